package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/selector"
	"github.com/foxzi/mailcast/internal/transport"
)

var (
	providerListAll bool
	providerTestAll bool
	providerAdd     config.ProviderConfig
	providerInact   bool
)

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Provider registry commands",
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with their counters",
	RunE:  runProviderList,
}

var providerAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a provider",
	Long: `Register a provider. Kind is one of smtp, sendgrid, postmark, mailgun,
ses, resend or sandbox; gmail, outlook and yahoo are SMTP presets.`,
	Args: cobra.ExactArgs(1),
	RunE: runProviderAdd,
}

var providerTestCmd = &cobra.Command{
	Use:   "test [name]",
	Short: "Check provider connectivity without sending",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProviderTest,
}

var providerSetDefaultCmd = &cobra.Command{
	Use:   "set-default <name>",
	Short: "Make a provider the default",
	Args:  cobra.ExactArgs(1),
	RunE:  runProviderSetDefault,
}

func init() {
	providerListCmd.Flags().BoolVar(&providerListAll, "all", false, "Include inactive providers")

	f := providerAddCmd.Flags()
	f.StringVar(&providerAdd.Kind, "kind", "smtp", "Provider kind or SMTP preset")
	f.StringVar(&providerAdd.Host, "host", "", "SMTP host")
	f.IntVar(&providerAdd.Port, "port", 0, "SMTP port")
	f.StringVar(&providerAdd.TLSMode, "tls", "", "SMTP TLS mode (none, starttls, implicit)")
	f.StringVar(&providerAdd.Username, "username", "", "SMTP username")
	f.StringVar(&providerAdd.Password, "password", "", "SMTP password (${VAR} is expanded)")
	f.StringVar(&providerAdd.APIKey, "api-key", "", "API key (${VAR} is expanded)")
	f.StringVar(&providerAdd.APISecret, "api-secret", "", "API secret, SES secret access key")
	f.StringVar(&providerAdd.Region, "region", "", "SES region")
	f.StringVar(&providerAdd.Domain, "domain", "", "Mailgun sending domain")
	f.StringVar(&providerAdd.BaseURL, "base-url", "", "Override API base URL")
	f.StringVar(&providerAdd.FromEmail, "from-email", "", "Sender address (required)")
	f.StringVar(&providerAdd.FromName, "from-name", "", "Sender display name")
	f.StringVar(&providerAdd.ReplyTo, "reply-to", "", "Reply-To address")
	f.IntVar(&providerAdd.MaxPerDay, "max-per-day", 0, "Daily limit (0 = unlimited)")
	f.IntVar(&providerAdd.MaxPerHour, "max-per-hour", 0, "Hourly limit (0 = unlimited)")
	f.IntVar(&providerAdd.MaxPerSecond, "max-per-second", 0, "Per-second limit (0 = unlimited)")
	f.BoolVar(&providerAdd.Default, "default", false, "Make this the default provider")
	f.BoolVar(&providerInact, "inactive", false, "Register the provider disabled")
	providerAddCmd.MarkFlagRequired("from-email")

	providerTestCmd.Flags().BoolVar(&providerTestAll, "all", false, "Test every active provider")

	providerCmd.AddCommand(providerListCmd, providerAddCmd, providerTestCmd, providerSetDefaultCmd)
	rootCmd.AddCommand(providerCmd)
}

func runProviderList(cmd *cobra.Command, args []string) error {
	core, err := openCore(cmd.Context())
	if err != nil {
		return err
	}
	defer core.Close()

	providers, err := core.Providers.List(cmd.Context(), models.ProviderListFilter{ActiveOnly: !providerListAll})
	if err != nil {
		return fmt.Errorf("failed to list providers: %w", err)
	}
	if len(providers) == 0 {
		fmt.Println("No providers registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tACTIVE\tDEFAULT\tSENT\tDELIVERED\tBOUNCED\tRATE\tLAST USED")
	for i := range providers {
		p := &providers[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%.1f%%\t%s\n",
			p.Name, p.Kind, yesNo(p.Active), yesNo(p.IsDefault),
			p.TotalSent, p.TotalDelivered, p.TotalBounced, p.DeliveryRate(),
			formatLastUsed(p.LastUsedAt))
	}
	return w.Flush()
}

func runProviderAdd(cmd *cobra.Command, args []string) error {
	pc := providerAdd
	pc.Name = args[0]
	pc.Password = os.ExpandEnv(pc.Password)
	pc.APIKey = os.ExpandEnv(pc.APIKey)
	pc.APISecret = os.ExpandEnv(pc.APISecret)
	if providerInact {
		active := false
		pc.Active = &active
	}

	p, err := pc.Provider()
	if err != nil {
		return err
	}

	core, err := openCore(cmd.Context())
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.Providers.Create(cmd.Context(), p); err != nil {
		return fmt.Errorf("failed to add provider: %w", err)
	}

	fmt.Printf("Provider %s added (%s)\n", p.Name, p.ID)
	fmt.Printf("  Kind: %s\n", p.Kind)
	if p.Kind == models.KindSMTP {
		fmt.Printf("  Server: %s:%d (%s)\n", p.Host, p.Port, p.TLSMode)
	}
	fmt.Printf("  From: %s\n", p.FromEmail)
	return nil
}

func runProviderTest(cmd *cobra.Command, args []string) error {
	if !providerTestAll && len(args) == 0 {
		return fmt.Errorf("provider name is required (or use --all)")
	}

	core, err := openCore(cmd.Context())
	if err != nil {
		return err
	}
	defer core.Close()

	ctx := cmd.Context()

	var results []selector.ProbeResult
	if providerTestAll {
		results, err = core.Selector.TestAll(ctx)
		if err != nil {
			return err
		}
	} else {
		p, err := core.Providers.GetByName(ctx, args[0])
		if err != nil {
			return fmt.Errorf("provider %s: %w", args[0], err)
		}
		results = []selector.ProbeResult{{
			ProviderID: p.ID,
			Name:       p.Name,
			Kind:       string(p.Kind),
			Probe:      core.Selector.TestConnection(ctx, p),
		}}
	}

	if len(results) == 0 {
		fmt.Println("No active providers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tRESULT\tLATENCY\tMESSAGE")
	failed := 0
	for _, r := range results {
		if !r.Probe.Success {
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Name, r.Kind, probeResult(r.Probe), r.Probe.Latency.Round(time.Millisecond), r.Probe.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d providers failed", failed, len(results))
	}
	return nil
}

func runProviderSetDefault(cmd *cobra.Command, args []string) error {
	core, err := openCore(cmd.Context())
	if err != nil {
		return err
	}
	defer core.Close()

	p, err := core.Providers.GetByName(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("provider %s: %w", args[0], err)
	}
	if err := core.Providers.SetDefault(cmd.Context(), p.ID); err != nil {
		return fmt.Errorf("failed to set default provider: %w", err)
	}

	fmt.Printf("Default provider is now %s\n", p.Name)
	return nil
}

func probeResult(p transport.Probe) string {
	if p.Success {
		return "ok"
	}
	if p.Category != "" {
		return "FAIL (" + p.Category + ")"
	}
	return "FAIL"
}

func formatLastUsed(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
