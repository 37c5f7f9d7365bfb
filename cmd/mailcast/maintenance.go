package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	cleanupDryRun    bool
	cleanupOlderThan time.Duration
	cleanupStale     bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove finished delivery log entries past retention",
	Long: `Remove sent, delivered, opened, clicked, bounced and failed log entries older
than retention.delivery_log. Pending entries are never removed.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only count entries that would be removed")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Override the retention period (e.g. 720h)")
	cleanupCmd.Flags().BoolVar(&cleanupStale, "stale", false, "Also list entries stuck in pending")

	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	core, err := openCore(cmd.Context())
	if err != nil {
		return err
	}
	defer core.Close()

	tasks := core.Tasks(nil)
	if cleanupOlderThan > 0 {
		tasks.Retention = cleanupOlderThan
	}

	n, err := tasks.Cleanup(cmd.Context(), cleanupDryRun)
	if err != nil {
		return err
	}
	if cleanupDryRun {
		fmt.Printf("Would remove %d log entries older than %s\n", n, tasks.Retention)
	} else {
		fmt.Printf("Removed %d log entries older than %s\n", n, tasks.Retention)
	}

	if !cleanupStale {
		return nil
	}

	entries, err := tasks.StalePending(cmd.Context())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No stale pending entries")
		return nil
	}

	fmt.Printf("\nStale pending entries (%d):\n", len(entries))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMPAIGN\tRECIPIENT\tPROVIDER\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.CampaignID, e.Recipient, e.ProviderID, e.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
