package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xmarre/Copperminer/pkg/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the page cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List previously scanned galleries",
	RunE: func(cmd *cobra.Command, args []string) error {
		runCacheList(cmd, args)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <gallery-url>",
	Short: "Forget everything cached for a gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runCacheClear(cmd, args)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func runCacheList(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	sites, err := cache.ListSites(cfg.Cache.Directory)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to read cache directory:", err)
		os.Exit(1)
	}
	if len(sites) == 0 {
		fmt.Println("cache is empty")
		return
	}

	for _, s := range sites {
		label := s.RootURL
		if s.Title != "" {
			label += "  " + s.Title
		}
		fmt.Printf("%s  (%d pages, updated %s)\n", label, s.Pages, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func runCacheClear(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	rootURL := strings.TrimSpace(args[0])
	if err := cache.DeleteSite(cfg.Cache.Directory, rootURL); err != nil {
		fmt.Fprintln(os.Stderr, "failed to clear cache:", err)
		os.Exit(1)
	}
	fmt.Println("cleared", rootURL)
}
