package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	leaseguard "go-leaseguard"
	"go-leaseguard/channel"
	"go-leaseguard/config"

	"github.com/eiannone/keyboard"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	interactive bool
)

// exitGrace is added to the shutdown timeout before the process is forced to exit.
const exitGrace = 5 * time.Second

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"db":         "store.dsn",
	"namespace":  "store.namespace",
	"probe-url":  "channel.probe_url",
	"marker-dir": "marker.dir",
	"lease-ttl":  "lease.ttl",
	"log-level":  "logging.level",
	"log-format": "logging.format",
}

func main() {
	var defaults = config.Default()

	var rootCmd = &cobra.Command{
		Use:   "guardnode",
		Short: "Keeps exactly one instance attached to a single-consumer channel",
		Long: `Guardnode runs one member of a fleet competing for a single-consumer channel.
It coordinates with the other members through master and execution leases in
PostgreSQL and only attaches its consumer while it holds both.`,
		RunE: runNode,
	}

	var flags = rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML config file")
	flags.BoolVar(&interactive, "interactive", false, "Show a live status screen with keyboard controls")
	flags.String("db", defaults.Store.DSN, "PostgreSQL connection URL")
	flags.String("namespace", defaults.Store.Namespace, "Table prefix for the lease tables")
	flags.String("probe-url", "", "URL answering 409 while another consumer is attached")
	flags.String("marker-dir", defaults.Marker.Dir, "Deployment directory for the liveness marker")
	flags.Duration("lease-ttl", defaults.Lease.TTL, "Lease time-to-live duration")
	flags.String("log-level", defaults.Logging.Level, "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Logging.Format, "Log format (text, json)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	v, err := config.New(afero.NewOsFs(), configFile)
	if err != nil {
		return err
	}

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	// Logs go to stderr so they don't get cleared by status updates
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	var (
		probe = channel.NewHTTPChannel(cfg.Channel.ProbeURL,
			channel.WithHTTPClient(&http.Client{Timeout: cfg.Channel.Timeout}),
			channel.WithRateLimit(cfg.Channel.RateLimit, cfg.Channel.RateBurst),
			channel.WithLogger(logger),
		)
		guard = leaseguard.NewGuard(
			leaseguard.PostgresConnector(cfg.Store.DSN, cfg.Store.Namespace),
			probe,
			newLogConsumer(logger),
			cfg.Options(logger)...,
		)
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The guard bounds its own shutdown; this covers anything that still hangs.
	go func() {
		<-ctx.Done()
		time.AfterFunc(cfg.Shutdown.Timeout+exitGrace, func() {
			fmt.Fprintln(os.Stderr, "Error: shutdown did not complete in time, exiting")
			os.Exit(1)
		})
	}()

	defer func() {
		if r := recover(); r != nil {
			guard.Stop(context.Background())
			panic(r)
		}
	}()

	fmt.Printf("Starting guard %s in namespace '%s'...\n", guard.HolderID(), cfg.Store.Namespace)

	if !interactive {
		if err := guard.Run(ctx); err != nil {
			return fmt.Errorf("guard failed: %w", err)
		}
		fmt.Printf("Guard stopped (%s)\n", guard.Stats().ShutdownReason)
		return nil
	}

	return runInteractive(ctx, guard)
}

type keyPress struct {
	char rune
	key  keyboard.Key
}

func runInteractive(ctx context.Context, guard *leaseguard.Guard) error {
	var runErr = make(chan error, 1)
	go func() {
		runErr <- guard.Run(ctx)
	}()

	// Initialize keyboard
	if err := keyboard.Open(); err != nil {
		guard.Stop(context.Background())
		<-runErr
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	// Keyboard input channel
	var keyCh = make(chan keyPress)
	go func() {
		for {
			char, key, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- keyPress{char: char, key: key}
		}
	}()

	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	printStatus(guard)

	for {
		select {
		case <-ticker.C:
			printStatus(guard)
		case err := <-runErr:
			printStatus(guard)
			if err != nil {
				return fmt.Errorf("guard failed: %w", err)
			}
			return nil
		case press := <-keyCh:
			if press.key == keyboard.KeyCtrlC {
				press.char = 'q'
			}

			switch press.char {
			case 'k', 'K':
				fmt.Fprintf(os.Stderr, "\n⚡ Reporting a channel conflict...\n")
				guard.ReportChannelConflict()
			case 'c', 'C':
				fmt.Printf("\n\n💥 Crashing immediately (no cleanup)...\n")
				os.Exit(1)
			case 'q', 'Q':
				fmt.Printf("\n\nShutting down gracefully...\n")
				guard.Stop(context.Background())
				if err := <-runErr; err != nil {
					return fmt.Errorf("guard failed: %w", err)
				}
				fmt.Printf("✓ Released all leases\n")
				return nil
			}
		}
	}
}

func printStatus(guard *leaseguard.Guard) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Println(guard.String())

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [k] Report a channel conflict\n")
	fmt.Printf("  [c] Crash without cleanup\n")
	fmt.Printf("  [q] Quit gracefully\n")
}
