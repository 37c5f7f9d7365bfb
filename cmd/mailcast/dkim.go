package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailcast/internal/dkim"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimBits     int
	dkimKeyFile  string
	dkimOutDir   string
	dkimProvider string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a DKIM key pair for a sending domain",
	Long: `Generate an RSA DKIM key pair and print the DNS record to publish.
With --provider the key is attached to that SMTP provider.`,
	RunE: runDKIMKeygen,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	RunE:  runDKIMShow,
}

func init() {
	dkimKeygenCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimKeygenCmd.Flags().StringVar(&dkimSelector, "selector", "mailcast", "DKIM selector")
	dkimKeygenCmd.Flags().IntVar(&dkimBits, "bits", 2048, "RSA key size")
	dkimKeygenCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimKeygenCmd.Flags().StringVar(&dkimProvider, "provider", "", "Provider to sign with the new key")
	dkimKeygenCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "mailcast", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimKeygenCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMKeygen(cmd *cobra.Command, args []string) error {
	kp, err := dkim.GenerateKey(dkimDomain, dkimSelector, dkimBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath, err := kp.Save(dkimOutDir)
	if err != nil {
		return err
	}

	record, err := kp.DNSRecord()
	if err != nil {
		return err
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	printDNSRecord(kp.DNSName(), record)

	if dkimProvider == "" {
		return nil
	}

	core, err := openCore(cmd.Context())
	if err != nil {
		return err
	}
	defer core.Close()

	p, err := core.Providers.GetByName(cmd.Context(), dkimProvider)
	if err != nil {
		return fmt.Errorf("provider %s: %w", dkimProvider, err)
	}
	p.DKIMDomain = kp.Domain
	p.DKIMSelector = kp.Selector
	p.DKIMKeyFile = keyPath
	if err := core.Providers.Update(cmd.Context(), p); err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}

	fmt.Printf("\nProvider %s now signs as %s\n", p.Name, kp.DNSName())
	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	privateKey, err := dkim.LoadPrivateKey(dkimKeyFile)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	kp := &dkim.KeyPair{PrivateKey: privateKey, Domain: dkimDomain, Selector: dkimSelector}
	record, err := kp.DNSRecord()
	if err != nil {
		return err
	}

	printDNSRecord(kp.DNSName(), record)
	return nil
}

func printDNSRecord(name, value string) {
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", name)
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", value)
}
