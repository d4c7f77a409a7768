// Command bridgectl is a small smoke-test client for a running bridge
// daemon: it dials the consumer WebSocket gateway, sends one user message,
// and prints every frame it receives until interrupted. No CLI framework
// is used, favoring the daemon's own stdlib-only CLI approach.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "bridge daemon host:port")
	session := flag.String("session", "", "session id to connect to (required)")
	consumer := flag.String("consumer", "", "consumer id (generated by the daemon if omitted)")
	message := flag.String("message", "", "user message to send after connecting (optional)")
	insecure := flag.Bool("insecure", true, "use ws:// instead of wss://")
	flag.Parse()

	if *session == "" {
		fmt.Fprintln(os.Stderr, "bridgectl: -session is required")
		os.Exit(2)
	}

	scheme := "wss"
	if *insecure {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: *addr, Path: "/ws/consumer/" + *session}
	if *consumer != "" {
		q := u.Query()
		q.Set("consumer_id", *consumer)
		u.RawQuery = q.Encode()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runWithReconnect(ctx, u.String(), *message)
}

// runWithReconnect dials the gateway, reconnecting with a capped geometric
// backoff (1s × 2^attempt, capped at 30s) whenever the connection drops,
// until ctx is cancelled.
func runWithReconnect(ctx context.Context, addr, message string) {
	attempt := 0
	for ctx.Err() == nil {
		conn, _, err := websocket.Dial(ctx, addr, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := reconnectBackoff(attempt)
			log.Printf("bridgectl: dial failed, retrying in %s: %v", delay, err)
			attempt++
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0
		fmt.Printf("connected to %s\n", addr)

		if message != "" {
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			payload := map[string]any{"type": "user_message", "content": message}
			err := wsjson.Write(sendCtx, conn, payload)
			cancel()
			if err != nil {
				log.Printf("bridgectl: send failed: %v", err)
			}
		}

		readLoop(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "bridgectl exiting")
	}
}

const reconnectCap = 30 * time.Second

// reconnectBackoff is the pure delay function behind runWithReconnect:
// 1s × 2^attempt, capped at 30s.
func reconnectBackoff(attempt int) time.Duration {
	if attempt > 4 { // 1<<5 == 32s already exceeds the cap
		return reconnectCap
	}
	d := time.Second * time.Duration(int64(1)<<uint(attempt))
	if d > reconnectCap {
		return reconnectCap
	}
	return d
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame map[string]any
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("bridgectl: read failed: %v", err)
			return
		}
		out, _ := json.MarshalIndent(frame, "", "  ")
		fmt.Println(string(out))
	}
}
