// Command relayfetch fetches Nostr events from many relays at once, either
// as a one-shot CLI or as an HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Shugur-Network/relayfetch/internal/config"
)

// Build information, set with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	config.SetVersion(version)

	// The first SIGINT or SIGTERM cancels every fetch in flight; commands
	// then print what they already have. A second signal kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Execute(ctx)
	interrupted := ctx.Err() != nil
	stop()

	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	case interrupted:
		os.Exit(130)
	}
}
