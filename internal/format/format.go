// Package format holds pure presentation helpers consumed by the UI
// layer: human-readable timestamps, message grouping and log statistics.
// Every function takes the reference instant explicitly so callers and
// tests control the clock.
package format

import (
	"fmt"
	"strings"
	"time"

	"chatkit/internal/domain"
)

// MessageTime renders a timestamp for display next to a message bubble.
func MessageTime(ts, now time.Time) string {
	switch {
	case sameDay(ts, now):
		return clock(ts)
	case sameDay(ts, now.AddDate(0, 0, -1)):
		return "yesterday " + clock(ts)
	case thisWeek(ts, now):
		return ts.Weekday().String()[:3] + " " + clock(ts)
	case ts.Year() == now.Year():
		return fmt.Sprintf("%d-%d %s", int(ts.Month()), ts.Day(), clock(ts))
	default:
		return ts.Format("2006-01-02") + " " + clock(ts)
	}
}

// ChatTime renders a compact relative timestamp for a conversation list.
func ChatTime(ts, now time.Time) string {
	diff := now.Sub(ts)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case sameDay(ts, now.AddDate(0, 0, -1)):
		return "yesterday"
	case thisWeek(ts, now):
		return ts.Weekday().String()[:3]
	case ts.Year() == now.Year():
		return fmt.Sprintf("%d-%d", int(ts.Month()), ts.Day())
	default:
		return ts.Format("2006-01-02")
	}
}

func clock(ts time.Time) string {
	return ts.Format("15:04")
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// thisWeek reports whether ts falls in the calendar week of now, with the
// week starting on Sunday.
func thisWeek(ts, now time.Time) bool {
	weekStart := now.AddDate(0, 0, -int(now.Weekday()))
	weekStart = time.Date(weekStart.Year(), weekStart.Month(), weekStart.Day(), 0, 0, 0, 0, now.Location())
	return !ts.Before(weekStart) && ts.Before(now.Add(time.Second))
}

// ContentPreview renders message content for list views. Non-text types
// collapse to a tag.
func ContentPreview(content, msgType string) string {
	switch msgType {
	case "", domain.MessageTypeText:
		return content
	case "image":
		return "[image]"
	case "file":
		return "[file]"
	case "voice":
		return "[voice]"
	default:
		return content
	}
}

// ShouldShowTime reports whether a timestamp divider belongs before cur.
// A divider appears after gaps longer than threshold (5m default when
// zero) and always before the first message.
func ShouldShowTime(cur domain.Message, prev *domain.Message, threshold time.Duration) bool {
	if prev == nil {
		return true
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	return cur.Timestamp.Sub(prev.Timestamp) > threshold
}

// GroupByDate buckets messages by calendar day, keyed YYYY-MM-DD.
func GroupByDate(msgs []domain.Message) map[string][]domain.Message {
	groups := make(map[string][]domain.Message)
	for _, m := range msgs {
		key := m.Timestamp.Format("2006-01-02")
		groups[key] = append(groups[key], m)
	}
	return groups
}

// Stats summarizes a message log.
type Stats struct {
	Total    int
	Sent     int
	Received int
	Unread   int
	ReadRate float64
}

func ComputeStats(msgs []domain.Message) Stats {
	var st Stats
	st.Total = len(msgs)
	for _, m := range msgs {
		if m.IsOwn {
			st.Sent++
			continue
		}
		st.Received++
		if !m.IsRead {
			st.Unread++
		}
	}
	if st.Received > 0 {
		st.ReadRate = float64(st.Received-st.Unread) / float64(st.Received) * 100
	}
	return st
}

// Search filters a log by case-insensitive substring match on content.
// A blank keyword returns the input unchanged.
func Search(msgs []domain.Message, keyword string) []domain.Message {
	keyword = strings.TrimSpace(strings.ToLower(keyword))
	if keyword == "" {
		return msgs
	}
	var out []domain.Message
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Content), keyword) {
			out = append(out, m)
		}
	}
	return out
}
