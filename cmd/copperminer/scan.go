package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	errs "github.com/xmarre/Copperminer/pkg/errors"
	"github.com/xmarre/Copperminer/pkg/gallery"
	"github.com/xmarre/Copperminer/pkg/logger"
	"github.com/xmarre/Copperminer/pkg/scraper"
)

var (
	scanIncludeSpecials bool
	scanQuick           bool
	scanProxy           string
)

var scanCmd = &cobra.Command{
	Use:   "scan <gallery-url>",
	Short: "Discover the album tree of a gallery without downloading",
	Long: `Walk a gallery from its root URL and print the discovered album tree.

The scan is cached on disk; rescanning the same gallery revalidates pages
with conditional requests instead of refetching everything.`,
	Example: `  # Scan a Coppermine gallery
  copperminer scan https://photos.example.com/

  # Scan a 4chan board using the shorthand form
  copperminer scan 4chan:wg

  # Include the auto-generated meta albums (last uploads, random, ...)
  copperminer scan https://photos.example.com/ --include-specials`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runScan(cmd, args)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().BoolVar(&scanIncludeSpecials, "include-specials", false, "include auto-generated meta albums")
	scanCmd.Flags().BoolVar(&scanQuick, "quick-scan", true, "revalidate cached pages instead of refetching")
	scanCmd.Flags().StringVar(&scanProxy, "proxy", "", "route all traffic through this proxy (host:port)")
}

func runScan(cmd *cobra.Command, args []string) {
	rootURL := strings.TrimSpace(args[0])

	flags := map[string]interface{}{
		"include-specials": scanIncludeSpecials,
		"quick-scan":       scanQuick,
	}
	if scanProxy != "" {
		flags["proxy"] = scanProxy
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	s, err := scraper.New(cfg, logger.GetLogger())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize:", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	tree, err := s.StartScan(ctx, rootURL)
	if err != nil {
		logger.GetLogger().WithError(err).Error("scan failed")
		if errs.IsFatal(err) || tree == nil || tree.Len() == 0 {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "scan incomplete, showing what was found")
	}

	if tree.Title != "" {
		fmt.Printf("%s  (%s)\n", tree.RootURL, tree.Title)
	} else {
		fmt.Printf("%s\n", tree.RootURL)
	}
	for _, root := range tree.Roots() {
		printAlbum(tree, root, 1)
	}
	fmt.Printf("\n%d albums\n", tree.Len())
}

func printAlbum(tree *gallery.Tree, a *gallery.Album, depth int) {
	indent := strings.Repeat("  ", depth)
	label := a.Title
	if a.Special {
		label += " (special)"
	}
	if a.ImageCount > 0 {
		fmt.Printf("%s%s  [%d files]  id=%s\n", indent, label, a.ImageCount, a.ID)
	} else {
		fmt.Printf("%s%s  id=%s\n", indent, label, a.ID)
	}
	for _, child := range tree.Children(a.ID) {
		printAlbum(tree, child, depth+1)
	}
}
