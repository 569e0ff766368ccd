// Package room derives the canonical channel identifier for a two-party
// conversation. The id is deterministic and order-independent so both
// participants compute the same room without coordination.
package room

import "strings"

const prefix = "room_"

// Unknown is returned by OtherParticipant when the channel id is malformed
// or the known user is not part of it. It is a signal, not an error.
const Unknown = "unknown"

// ChannelID returns "room_<low>_<high>" for the unordered pair (a, b).
// ChannelID(a, b) == ChannelID(b, a) for any two non-empty ids.
// Ids must not themselves contain underscores.
func ChannelID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return prefix + a + "_" + b
}

// OtherParticipant parses the two ids embedded in channelID and returns
// whichever is not knownUserID.
func OtherParticipant(channelID, knownUserID string) string {
	rest, ok := strings.CutPrefix(channelID, prefix)
	if !ok {
		return Unknown
	}
	low, high, ok := strings.Cut(rest, "_")
	if !ok || low == "" || high == "" {
		return Unknown
	}
	switch knownUserID {
	case low:
		return high
	case high:
		return low
	}
	return Unknown
}
