package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	errs "github.com/xmarre/Copperminer/pkg/errors"
	"github.com/xmarre/Copperminer/pkg/gallery"
	"github.com/xmarre/Copperminer/pkg/logger"
	"github.com/xmarre/Copperminer/pkg/scraper"
)

var (
	dlOutputDir       string
	dlWorkers         int
	dlMimicHuman      bool
	dlIncludeSpecials bool
	dlQuick           bool
	dlProxy           string
	dlMinProxies      int
)

var downloadCmd = &cobra.Command{
	Use:   "download <gallery-url> [album-id...]",
	Short: "Download albums from a gallery",
	Long: `Scan a gallery and download its albums into per-album directories
under the output root. With no album IDs every album is downloaded; IDs
come from "copperminer scan".

Files already on disk are skipped, so an interrupted run can simply be
restarted.`,
	Example: `  # Mirror a whole gallery
  copperminer download https://photos.example.com/

  # Only two albums, into a custom directory
  copperminer download https://photos.example.com/ 1a2b3c4d5e6f7a8b 9f8e7d6c5b4a3f2e -o ./rips

  # A single 4chan thread
  copperminer download 4chan:wg/123456`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runDownload(cmd, args)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringVarP(&dlOutputDir, "output", "o", "", "output directory for downloads")
	downloadCmd.Flags().IntVar(&dlWorkers, "workers", 0, "number of download workers (1-16)")
	downloadCmd.Flags().BoolVar(&dlMimicHuman, "mimic-human", true, "randomize order and pause between downloads")
	downloadCmd.Flags().BoolVar(&dlIncludeSpecials, "include-specials", false, "include auto-generated meta albums")
	downloadCmd.Flags().BoolVar(&dlQuick, "quick-scan", true, "revalidate cached pages and probe out thumbnails")
	downloadCmd.Flags().StringVar(&dlProxy, "proxy", "", "route all traffic through this proxy (host:port)")
	downloadCmd.Flags().IntVar(&dlMinProxies, "min-proxies", 0, "harvest public proxies until this many are alive")
}

func runDownload(cmd *cobra.Command, args []string) {
	rootURL := strings.TrimSpace(args[0])
	albumIDs := args[1:]

	flags := map[string]interface{}{
		"mimic-human":      dlMimicHuman,
		"include-specials": dlIncludeSpecials,
		"quick-scan":       dlQuick,
	}
	if dlOutputDir != "" {
		flags["output"] = dlOutputDir
	}
	if dlWorkers > 0 {
		flags["workers"] = dlWorkers
	}
	if dlProxy != "" {
		flags["proxy"] = dlProxy
	}
	if dlMinProxies > 0 {
		flags["min-proxies"] = dlMinProxies
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	log := logger.GetLogger()
	s, err := scraper.New(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize:", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	tree, err := s.StartScan(ctx, rootURL)
	if err != nil && (errs.IsFatal(err) || tree == nil || tree.Len() == 0) {
		log.WithError(err).Error("scan failed")
		os.Exit(1)
	}
	log.InfoWithFields("scan complete", map[string]interface{}{
		"albums": tree.Len(),
	})

	start := time.Now()
	results, err := s.DownloadSelected(ctx, tree, albumIDs)
	if err != nil {
		log.WithError(err).Error("download failed")
		os.Exit(1)
	}

	var stats gallery.Stats
	for r := range results {
		stats.Record(r)
		if r.Status == gallery.TaskFailed && r.Err != nil {
			log.WithError(r.Err).WithField("file", r.Task.Image.SuggestedFilename).Warn("download failed")
		}
	}
	stats.Elapsed = time.Since(start)

	fmt.Printf("\nDownloaded %d files (%s) in %s\n",
		stats.Downloaded, humanBytes(stats.Bytes), stats.Elapsed.Round(time.Second))
	if stats.Skipped > 0 {
		fmt.Printf("Skipped %d files already on disk\n", stats.Skipped)
	}
	if stats.Failed > 0 {
		fmt.Printf("Failed %d files\n", stats.Failed)
	}
	if speed := stats.AverageSpeed(); speed > 0 {
		fmt.Printf("Average speed %s/s\n", humanBytes(int64(speed)))
	}

	if stats.Failed > 0 && stats.Downloaded == 0 && stats.Skipped == 0 {
		os.Exit(1)
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
