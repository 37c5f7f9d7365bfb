package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailcast/internal/app"
	"github.com/foxzi/mailcast/internal/orchestrator"
)

var campaignProvider string

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign run commands",
}

var campaignSendCmd = &cobra.Command{
	Use:   "send <campaign_id>",
	Short: "Send a draft or scheduled campaign and wait for it to finish",
	Long: `Send a campaign in the foreground. Interrupting the command pauses the
campaign; continue it later with "campaign resume".`,
	Args: cobra.ExactArgs(1),
	RunE: runCampaignSend,
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused campaign, skipping recipients already attempted",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignResume,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause a sending campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignPause,
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign_id>",
	Short: "Cancel a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignCancel,
}

var campaignStatsCmd = &cobra.Command{
	Use:   "stats <campaign_id>",
	Short: "Show campaign counters and delivery log totals",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStats,
}

func init() {
	campaignSendCmd.Flags().StringVar(&campaignProvider, "provider", "", "Send every message through this provider")
	campaignResumeCmd.Flags().StringVar(&campaignProvider, "provider", "", "Send every message through this provider")

	campaignCmd.AddCommand(campaignSendCmd, campaignResumeCmd, campaignPauseCmd, campaignCancelCmd, campaignStatsCmd)
	rootCmd.AddCommand(campaignCmd)
}

func runCampaignSend(cmd *cobra.Command, args []string) error {
	return runCampaign(cmd.Context(), args[0], false)
}

func runCampaignResume(cmd *cobra.Command, args []string) error {
	return runCampaign(cmd.Context(), args[0], true)
}

func runCampaign(ctx context.Context, campaignID string, resume bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	opts, err := startOptions(ctx, core, campaignProvider)
	if err != nil {
		return err
	}

	var result *orchestrator.RunResult
	if resume {
		result, err = core.Orchestrator.Resume(ctx, campaignID, opts)
	} else {
		result, err = core.Orchestrator.StartSend(ctx, campaignID, opts)
	}
	if result != nil {
		printRunResult(result)
	}
	return err
}

// startOptions resolves a provider name given on the command line
func startOptions(ctx context.Context, core *app.Core, providerName string) (orchestrator.StartOptions, error) {
	if providerName == "" {
		return orchestrator.StartOptions{}, nil
	}
	p, err := core.Providers.GetByName(ctx, providerName)
	if err != nil {
		return orchestrator.StartOptions{}, fmt.Errorf("provider %s: %w", providerName, err)
	}
	return orchestrator.StartOptions{ProviderID: p.ID}, nil
}

func printRunResult(r *orchestrator.RunResult) {
	fmt.Printf("Campaign %s: %s\n", r.CampaignID, r.Status)
	fmt.Printf("  Recipients: %d\n", r.Recipients)
	if r.Skipped > 0 {
		fmt.Printf("  Skipped:    %d\n", r.Skipped)
	}
	fmt.Printf("  Sent:       %d\n", r.Sent)
	fmt.Printf("  Failed:     %d\n", r.Failed)
}

func runCampaignPause(cmd *cobra.Command, args []string) error {
	core, err := openCore(cmd.Context())
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.Orchestrator.Pause(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Campaign %s paused\n", args[0])
	return nil
}

func runCampaignCancel(cmd *cobra.Command, args []string) error {
	core, err := openCore(cmd.Context())
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.Orchestrator.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Campaign %s cancelled\n", args[0])
	return nil
}

func runCampaignStats(cmd *cobra.Command, args []string) error {
	core, err := openCore(cmd.Context())
	if err != nil {
		return err
	}
	defer core.Close()

	ctx := cmd.Context()
	c, err := core.Campaigns.GetByID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("campaign %s: %w", args[0], err)
	}
	log, err := core.Deliveries.CampaignStats(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to read delivery log: %w", err)
	}

	fmt.Printf("Campaign: %s (%s)\n", c.Name, c.ID)
	fmt.Printf("Status:   %s\n", c.Status)
	if c.StartedAt != nil {
		fmt.Printf("Started:  %s\n", c.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if c.SentAt != nil {
		fmt.Printf("Finished: %s\n", c.SentAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tCAMPAIGN\tLOG")
	fmt.Fprintf(w, "recipients\t%d\t%d\n", c.TotalRecipients, log.Total)
	fmt.Fprintf(w, "pending\t-\t%d\n", log.Pending)
	fmt.Fprintf(w, "sent\t%d\t%d\n", c.TotalSent, log.Sent)
	fmt.Fprintf(w, "delivered\t%d\t%d\n", c.TotalDelivered, log.Delivered)
	fmt.Fprintf(w, "opened\t%d\t%d\n", c.TotalOpened, log.Opened)
	fmt.Fprintf(w, "clicked\t%d\t%d\n", c.TotalClicked, log.Clicked)
	fmt.Fprintf(w, "bounced\t%d\t%d\n", c.TotalBounced, log.Bounced)
	fmt.Fprintf(w, "failed\t%d\t%d\n", c.TotalFailed, log.Failed)
	fmt.Fprintf(w, "unsubscribed\t%d\t-\n", c.TotalUnsubscribed)
	return w.Flush()
}
