package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/campaigner/internal/dkim"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyBits  int
	dkimOutFile  string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management",
}

var dkimKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a DKIM key pair and print the DNS record",
	RunE:  runDKIMKeygen,
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key helpers",
}

var apikeyHashCmd = &cobra.Command{
	Use:   "hash <key>",
	Short: "Print a bcrypt hash of an API key for api.api_key_hash",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyHash,
}

func init() {
	dkimKeygenCmd.Flags().StringVar(&dkimDomain, "domain", "", "Sending domain (required)")
	dkimKeygenCmd.Flags().StringVar(&dkimSelector, "selector", "mail", "DKIM selector")
	dkimKeygenCmd.Flags().IntVar(&dkimKeyBits, "bits", dkim.DefaultKeyBits, "RSA key size")
	dkimKeygenCmd.Flags().StringVar(&dkimOutFile, "out", "", "Private key output path (required)")

	dkimCmd.AddCommand(dkimKeygenCmd)
	apikeyCmd.AddCommand(apikeyHashCmd)
	rootCmd.AddCommand(dkimCmd, apikeyCmd)
}

func runDKIMKeygen(cmd *cobra.Command, args []string) error {
	if dkimDomain == "" {
		return fmt.Errorf("--domain is required")
	}
	if dkimOutFile == "" {
		return fmt.Errorf("--out is required")
	}

	kp, err := dkim.GenerateKey(dkimDomain, dkimSelector, dkimKeyBits)
	if err != nil {
		return err
	}
	if err := kp.SavePrivateKey(dkimOutFile); err != nil {
		return err
	}

	fmt.Printf("Private key written to %s\n\n", dkimOutFile)
	fmt.Println("Publish this DNS TXT record:")
	fmt.Printf("  %s\n", kp.DNSName())
	fmt.Printf("  %s\n", kp.DNSRecord())
	return nil
}

func runAPIKeyHash(cmd *cobra.Command, args []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}
