// Command palaver runs the headless chat client: it connects the event
// channel, keeps presence alive, replays queued messages, and prints domain
// events as they happen. A UI talks to the same internal/app.Client; this
// binary is the reference wiring.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/rbakker/palaver/internal/app"
	"github.com/rbakker/palaver/internal/call"
	"github.com/rbakker/palaver/internal/config"
	"github.com/rbakker/palaver/internal/delivery"
	"github.com/rbakker/palaver/internal/event"
	"github.com/rbakker/palaver/internal/presence"
	"github.com/rbakker/palaver/internal/transport"
)

var (
	cfgPath     = flag.String("config", "palaver.json", "Path to config file")
	showVersion = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("palaver v%s\n", appVersion)
		return
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		fmt.Printf("Created %s — fill in the session section (server_url, token, user_id) and run again.\n", *cfgPath)
		return
	}

	client := app.New(cfg)
	defer client.Close()

	client.WatchConfig(*cfgPath)

	events, cancel := client.Events()
	defer cancel()
	go printEvents(events)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		// Reconnect is scheduled internally unless the session is dead.
		log.Printf("connect: %v", err)
	}

	log.Printf("palaver running as %s — ctrl-c to quit", cfg.Session.UserID)
	<-ctx.Done()
	log.Printf("shutting down")
}

// printEvents renders the domain event stream to the log. This is the whole
// "UI" of the headless client.
func printEvents(events chan event.Event) {
	for ev := range events {
		switch ev.Type {
		case event.ConnectionStateChanged:
			sc := ev.Payload.(transport.StateChange)
			log.Printf("EVENT: connection %s (attempts=%d)", sc.State, sc.ReconnectAttempts)
		case event.ConnectionQualityChanged:
			qc := ev.Payload.(transport.QualityChange)
			log.Printf("EVENT: quality %s (median %s)", qc.Quality, qc.Median)
		case event.SessionTerminated:
			log.Printf("EVENT: session terminated: %v — re-authenticate and restart", ev.Payload)
		case event.MessageReceived:
			log.Printf("EVENT: message received: %v", ev.Payload)
		case event.MessageStatusChanged:
			sc := ev.Payload.(delivery.StatusChange)
			log.Printf("EVENT: message %s -> %s", sc.ClientID, sc.Status)
		case event.PresenceChanged:
			pc := ev.Payload.(presence.Change)
			log.Printf("EVENT: %s is %s", pc.UserID, pc.Status)
		case event.TypingChanged:
			tc := ev.Payload.(presence.TypingChange)
			log.Printf("EVENT: %s typing=%v in %s", tc.UserID, tc.Typing, tc.ConversationID)
		case event.CallIncoming:
			ic := ev.Payload.(call.IncomingCall)
			log.Printf("EVENT: incoming %s call from %s [%s]", ic.Media, ic.From, ic.CallID)
		case event.CallStateChanged:
			sc := ev.Payload.(call.StateChange)
			log.Printf("EVENT: call %s %s (%s)", sc.CallID, sc.State, sc.Reason)
		case event.CallTick:
			// Once per second during a call; too chatty for the log.
		case event.Notification:
			log.Printf("EVENT: %v", ev.Payload)
		}
	}
}
