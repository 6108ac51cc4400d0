package cli

import (
	"github.com/spf13/cobra"
)

// newRunCmd creates the "run" sub-command, which executes the capstone
// graph once (or on a fixed schedule with --every).
func newRunCmd() *cobra.Command {
	var (
		runDate string
		every   string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the capstone pipeline graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelineCmd(cmd.Context(), runDate, every)
		},
	}

	runCmd.Flags().StringVar(&runDate, "date", "", "run date as YYYY-MM-DD (default: today, UTC)")
	runCmd.Flags().StringVar(&every, "every", "", "keep running on this interval, e.g. 24h (default: run once)")

	return runCmd
}

// newServeCmd creates the "serve" sub-command for the run API.
func newServeCmd() *cobra.Command {
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline run API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCmd(cmd.Context(), addr)
		},
	}

	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (default: PIPELINE_API_ADDR or :8080)")

	return serveCmd
}

// newScrapeCmd creates the "scrape" sub-command, which runs the
// taxi-zone scraper once and prints what it found without persisting.
func newScrapeCmd() *cobra.Command {
	var pageURL string

	scrapeCmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fetch the taxi-zone reference page once and print the rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrapeCmd(cmd.Context(), pageURL)
		},
	}

	scrapeCmd.Flags().StringVar(&pageURL, "url", "", "zone page URL (default: PIPELINE_ZONE_PAGE_URL)")

	return scrapeCmd
}

// newDownloadCmd creates the "download" sub-command, which pulls the
// monthly trip files missing from the local tree and records them in
// the store.
func newDownloadCmd() *cobra.Command {
	var (
		startYear int
		datasets  []string
	)

	downloadCmd := &cobra.Command{
		Use:   "download",
		Short: "Download missing monthly trip files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownloadCmd(cmd.Context(), startYear, datasets)
		},
	}

	downloadCmd.Flags().IntVar(&startYear, "start-year", 0, "first year to enumerate (default: PIPELINE_TRIPDATA_START_YEAR)")
	downloadCmd.Flags().StringSliceVar(&datasets, "datasets", nil, "dataset types, e.g. yellow,green (default: PIPELINE_TRIPDATA_DATASETS)")

	return downloadCmd
}

// newReloadCmd creates the "reload" sub-command, which re-loads fact
// partitions from their columnar files without recomputing them.
func newReloadCmd() *cobra.Command {
	var partitions []string

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Re-load fact partitions from the warehouse files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReloadCmd(cmd.Context(), partitions)
		},
	}

	reloadCmd.Flags().StringSliceVar(&partitions, "partitions", nil, "partition keys to re-load (default: every partition on disk)")

	return reloadCmd
}

// newSCDCmd creates the "scd" sub-command for inspecting and mutating
// the driver dimension directly.
func newSCDCmd() *cobra.Command {
	var (
		changeFile string
		historyKey string
	)

	scdCmd := &cobra.Command{
		Use:   "scd",
		Short: "Apply driver dimension changes or show a key's history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSCDCmd(cmd.Context(), changeFile, historyKey)
		},
	}

	scdCmd.Flags().StringVarP(&changeFile, "file", "f", "", "JSON file of dimension changes to apply")
	scdCmd.Flags().StringVar(&historyKey, "history", "", "print the full version history for a driver key")

	return scdCmd
}
