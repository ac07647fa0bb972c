package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xmarre/Copperminer/pkg/config"
	"github.com/xmarre/Copperminer/pkg/logger"
)

var (
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "copperminer",
	Short: "A gallery ripper for Coppermine and related photo sites",
	Long: `Copperminer scans photo galleries into an album tree and mirrors the
albums you pick into per-album directories on disk.

Supported sites:
  - Coppermine galleries (any installation, auto-detected)
  - theplace2.ru / theplace-2.com
  - LiveJournal photo albums
  - 4chan boards and threads (also as "4chan:board/thread")

Scans are cached and revalidated with conditional requests, downloads are
rate limited adaptively, and already-present files are skipped, so rerunning
against the same gallery only fetches what changed.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./copperminer.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`Copperminer {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig builds the effective configuration from file, environment and
// the given command line flags, then brings the logger up.
func loadConfig(flags map[string]interface{}) (*config.Config, error) {
	if flags == nil {
		flags = make(map[string]interface{})
	}
	if logLevel != "" {
		flags["log-level"] = logLevel
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM. A second
// signal kills the process outright.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Fprintln(os.Stderr, "interrupted, finishing in-flight work (press again to abort)")
		cancel()
		<-sigs
		os.Exit(1)
	}()

	return ctx, cancel
}
