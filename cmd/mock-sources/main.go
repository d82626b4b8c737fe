// mock-sources publishes a few fake sync sources that cycle through their
// states, for trying out an indicator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nikicat/sync-menu/internal/menu"
	"github.com/nikicat/sync-menu/internal/syncapp"
)

func main() {
	var (
		apps     = flag.String("apps", "mock-mail.desktop,mock-files.desktop", "Comma-separated desktop ids to publish")
		address  = flag.String("bus-address", "", "D-Bus address (default: session bus)")
		interval = flag.Duration("interval", 3*time.Second, "Time between state changes")
	)
	flag.Parse()

	var opts []syncapp.Option
	if *address != "" {
		opts = append(opts, syncapp.WithBusAddress(*address))
	}

	var sources []*syncapp.App
	for i, id := range strings.Split(*apps, ",") {
		a, err := syncapp.New(strings.TrimSpace(id), opts...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()
		a.SetState(syncapp.State(i % 3))
		a.SetMenu(menu.NewStatic(menu.DefaultPath()))
		sources = append(sources, a)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	for _, a := range sources {
		if err := a.Wait(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "error: publish %s: %v\n", a.DesktopID(), err)
			os.Exit(1)
		}
	}
	cancel()

	fmt.Println("Mock sources running. Press Ctrl+C to exit.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("Shutting down...")
			return
		case <-ticker.C:
			for _, a := range sources {
				a.SetState((a.State() + 1) % 3)
			}
		}
	}
}
