package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/loykin/browsertools"
)

// keepalive: hold a running browsertools session open while doing work.
// Start a session first with `browsertools start`, then run this example;
// the watchdog will not stop the browser while it runs.
func main() {
	cfg, err := browsertools.LoadConfig(os.Getenv("BROWSER_TOOLS_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	hb := browsertools.OpenHeartbeat(cfg)

	rec, err := hb.Read(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if rec == nil {
		fmt.Println("No active session; run `browsertools start` first.")
		return
	}

	err = hb.KeepAlive(context.Background(), func(ctx context.Context) error {
		fmt.Printf("Working against CDP on :%d for 3s\n", cfg.Browser.DebugPort)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
			return nil
		}
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rec, _ = hb.Read(context.Background())
	if rec != nil {
		fmt.Printf("Session %s idle budget left: %s\n", rec.SessionID, rec.Remaining(time.Now()).Round(time.Second))
	}
}
