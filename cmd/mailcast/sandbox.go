package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailcast/internal/app"
	"github.com/foxzi/mailcast/internal/sandbox"
)

var (
	sandboxListCampaign string
	sandboxListTo       string
	sandboxListLimit    int
	sandboxShowRaw      bool
	sandboxClearDays    int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured by sandbox providers",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages, newest first",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show a captured message",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListCampaign, "campaign", "", "Filter by campaign ID")
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "Filter by recipient")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxShowCmd.Flags().BoolVar(&sandboxShowRaw, "raw", false, "Print the raw RFC 5322 message")

	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear messages older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

// openSandbox opens the core and fails when the capture store is held by
// a running server
func openSandbox(cmd *cobra.Command) (*app.Core, *sandbox.Storage, error) {
	core, err := openCore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	if core.Sandbox == nil {
		core.Close()
		return nil, nil, fmt.Errorf("sandbox storage is not available (is the server running? use the API instead)")
	}
	return core, core.Sandbox, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	core, storage, err := openSandbox(cmd)
	if err != nil {
		return err
	}
	defer core.Close()

	messages, err := storage.List(cmd.Context(), sandbox.ListFilter{
		CampaignID: sandboxListCampaign,
		To:         sandboxListTo,
		Limit:      sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tTO\tSUBJECT\tCAPTURED\tRESULT")
	for _, msg := range messages {
		result := "captured"
		if msg.SimulatedErr != "" {
			result = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(msg.ID, 12),
			msg.Provider,
			truncate(msg.To, 30),
			truncate(msg.Subject, 30),
			msg.CapturedAt.Local().Format("2006-01-02 15:04"),
			result,
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d messages\n", len(messages))

	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	core, storage, err := openSandbox(cmd)
	if err != nil {
		return err
	}
	defer core.Close()

	msg, err := storage.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", args[0])
	}

	if sandboxShowRaw {
		os.Stdout.Write(msg.Data)
		return nil
	}

	fmt.Printf("Message: %s\n\n", msg.ID)
	fmt.Printf("Message-ID: %s\n", msg.MessageID)
	fmt.Printf("Provider:   %s\n", msg.Provider)
	if msg.CampaignID != "" {
		fmt.Printf("Campaign:   %s\n", msg.CampaignID)
	}
	fmt.Printf("From:       %s\n", msg.From)
	fmt.Printf("To:         %s\n", msg.To)
	fmt.Printf("Subject:    %s\n", msg.Subject)
	fmt.Printf("Captured:   %s\n", msg.CapturedAt.Format(time.RFC3339))
	fmt.Printf("Size:       %d bytes\n", len(msg.Data))
	if msg.SimulatedErr != "" {
		fmt.Printf("\nSimulated Error: %s\n", msg.SimulatedErr)
	}
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	core, storage, err := openSandbox(cmd)
	if err != nil {
		return err
	}
	defer core.Close()

	var before time.Time
	if sandboxClearDays > 0 {
		before = time.Now().AddDate(0, 0, -sandboxClearDays)
	}

	n, err := storage.Clear(cmd.Context(), before)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	fmt.Printf("Cleared %d messages\n", n)
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	core, storage, err := openSandbox(cmd)
	if err != nil {
		return err
	}
	defer core.Close()

	stats, err := storage.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("Sandbox Statistics\n\n")
	fmt.Printf("Total messages:   %d\n", stats.Total)
	fmt.Printf("Simulated errors: %d\n", stats.Failed)
	fmt.Printf("Total size:       %s\n", formatBytes(stats.TotalSize))
	if stats.Total > 0 {
		fmt.Printf("Oldest:           %s\n", stats.OldestAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("Newest:           %s\n", stats.NewestAt.Local().Format("2006-01-02 15:04:05"))
	}

	if len(stats.ByProvider) > 0 {
		names := make([]string, 0, len(stats.ByProvider))
		for name := range stats.ByProvider {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Printf("\nBy provider:\n")
		for _, name := range names {
			fmt.Printf("  %-20s %d\n", name, stats.ByProvider[name])
		}
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
