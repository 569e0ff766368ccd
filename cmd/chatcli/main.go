package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatkit/internal/client"
	"chatkit/internal/config"
	"chatkit/internal/dispatcher"
	"chatkit/internal/domain"
	"chatkit/internal/format"
	"chatkit/internal/history"
	"chatkit/internal/httpapi"
	"chatkit/internal/observability"
	"chatkit/internal/receipts"
	"chatkit/internal/store"
	"chatkit/internal/wire"
)

func main() {
	username := flag.String("user", "", "username to log in as")
	password := flag.String("password", "", "password")
	peer := flag.String("peer", "", "counterpart user id to chat with")
	flag.Parse()

	cfg := config.Load()
	observability.InitLogger(cfg.ServiceName)
	log := observability.Log

	if *username == "" || *password == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "usage: chatcli -user <name> -password <pw> -peer <user-id>")
		os.Exit(2)
	}

	ctx := context.Background()

	api := httpapi.New(cfg.APIBaseURL, httpapi.WithUnauthorizedHandler(func() {
		log.Warn("token invalidated, please log in again")
	}))
	login, err := api.Login(ctx, httpapi.Credentials{Username: *username, Password: *password})
	if err != nil {
		log.Fatal("login failed", zap.Error(err))
	}
	me := login.User
	log.Info("logged in", zap.String("user_id", me.ID))

	counterpart, err := api.GetUser(ctx, *peer)
	if err != nil {
		log.Fatal("counterpart lookup failed", zap.String("peer", *peer), zap.Error(err))
	}

	archive, err := history.Open(cfg.HistoryPath)
	if err != nil {
		log.Fatal("open history", zap.Error(err))
	}
	defer archive.Close()

	manager := client.NewManager(cfg.ServerURL, cfg.MaxReconnectAttempts, client.DialTransport)
	disp := dispatcher.New(manager, cfg)
	manager.SetRouter(disp.Route)

	st := store.New(disp, archive, archive, cfg)
	st.SetCurrentUser(me.ID)
	channelID := st.SetActiveCounterpart(counterpart)
	tracker := receipts.NewTracker(st, disp)

	sub := disp.OnMessage(func(m wire.Message) {
		if !st.IngestInbound(m) {
			return
		}
		if last, ok := st.LastMessage(); ok && !last.IsOwn {
			fmt.Printf("\r%s %s: %s\n> ", format.MessageTime(last.Timestamp, time.Now()),
				counterpart.Username, format.ContentPreview(last.Content, last.Type))
			tracker.MarkRead(last.ID)
		}
	})
	defer sub.Unsubscribe()

	manager.OnStateChange(func(state domain.ConnectionState) {
		if state != domain.StateConnected {
			fmt.Printf("\r[%s]\n> ", state)
		}
	})

	if err := manager.Connect(ctx, me.ID, login.Token); err != nil {
		log.Fatal("connect failed", zap.Error(err))
	}

	if err := disp.JoinRoom(ctx, channelID); err != nil {
		log.Warn("join room failed", zap.Error(err))
	}

	offline, err := disp.FetchOfflineMessages(ctx)
	if err != nil {
		log.Warn("offline fetch failed", zap.Error(err))
	}
	for _, m := range offline {
		st.IngestInbound(m)
	}
	if n := st.UnreadCount(); n > 0 {
		fmt.Printf("%d unread message(s) while you were away\n", n)
		tracker.MarkAllRead()
	}

	if err := st.LoadOlderPage(ctx); err != nil {
		log.Warn("history load failed", zap.Error(err))
	}
	for _, m := range st.Messages() {
		who := me.Username
		if !m.IsOwn {
			who = counterpart.Username
		}
		fmt.Printf("%s %s: %s\n", format.MessageTime(m.Timestamp, time.Now()), who,
			format.ContentPreview(m.Content, m.Type))
	}

	fmt.Printf("chatting with %s — type a message, /quit to exit\n> ", counterpart.Username)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			shutdown(manager, disp, tracker)
			return
		case line == "":
		default:
			if _, err := st.SendMessage(ctx, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		}
		fmt.Print("> ")
	}
	shutdown(manager, disp, tracker)
}

// shutdown flushes receipts for anything still unread, then closes the
// session and clears the dispatcher's subscriptions.
func shutdown(manager *client.Manager, disp *dispatcher.Dispatcher, tracker *receipts.Tracker) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tracker.FlushPending(ctx)
	tracker.Wait()
	manager.Disconnect()
	disp.Reset()
}
