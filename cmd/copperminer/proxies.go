package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xmarre/Copperminer/pkg/logger"
	"github.com/xmarre/Copperminer/pkg/proxy"
)

var (
	proxyTargets []string
	proxyMinimum int
)

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Manage the public proxy pool",
}

var proxiesHarvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Harvest and validate public proxies",
	Long: `Fetch candidate proxies from public lists, validate them against a
real target with a timeout, and persist the survivors. Validation stops
once the configured minimum pool size is reached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		runProxiesHarvest(cmd, args)
		return nil
	},
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known proxies, best first",
	RunE: func(cmd *cobra.Command, args []string) error {
		runProxiesList(cmd, args)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(proxiesCmd)
	proxiesCmd.AddCommand(proxiesHarvestCmd)
	proxiesCmd.AddCommand(proxiesListCmd)

	proxiesHarvestCmd.Flags().StringSliceVar(&proxyTargets, "target", nil, "validation target URL (repeatable, replaces the defaults)")
	proxiesHarvestCmd.Flags().IntVar(&proxyMinimum, "min", 0, "stop validating once this many proxies are alive")
}

func runProxiesHarvest(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	if len(proxyTargets) > 0 {
		cfg.Proxy.ValidationTargets = proxyTargets
	}
	if proxyMinimum > 0 {
		cfg.Proxy.MinPoolSize = proxyMinimum
	}

	pool := proxy.NewPool(cfg.Proxy, logger.GetLogger())

	ctx, cancel := signalContext()
	defer cancel()

	alive, err := pool.EnsureMinimum(ctx)
	if saveErr := pool.Save(); saveErr != nil {
		fmt.Fprintln(os.Stderr, "failed to persist proxy pool:", saveErr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "harvest stopped early:", err)
	}

	fmt.Printf("%d proxies alive (wanted %d)\n", alive, cfg.Proxy.MinPoolSize)
	if alive == 0 {
		os.Exit(1)
	}
}

func runProxiesList(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	pool := proxy.NewPool(cfg.Proxy, logger.GetLogger())
	records := pool.Records()
	if len(records) == 0 {
		fmt.Println("no proxies known; run 'copperminer proxies harvest'")
		return
	}

	fmt.Printf("%-28s %-8s %-9s %-8s %s\n", "ADDRESS", "SCHEME", "LATENCY", "FAILURES", "VALIDATED")
	for _, r := range records {
		state := r.LastValidated.Format(time.RFC3339)
		if !r.Alive {
			state = "dead"
		}
		fmt.Printf("%-28s %-8s %-9s %-8d %s\n",
			r.Address, r.Scheme, r.Latency.Round(time.Millisecond), r.ConsecutiveFailures, state)
	}
}
