package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var inspectPass passphraseFlags

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "Show the database profile stored in an archive",
	Long: `Read config/config.php from an archive without extracting anything else
and print the database settings a restore would use.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		passphrase, err := inspectPass.resolve()
		if err != nil {
			return err
		}
		svc, err := current.backupService()
		if err != nil {
			return err
		}
		res, err := svc.Inspect(ctx, args[0], passphrase)
		if err != nil {
			return err
		}

		p := res.Profile
		fmt.Println("Archive profile:")
		fmt.Printf("  Config:          %s\n", res.ConfigPath)
		fmt.Printf("  Database kind:   %s\n", p.Kind)
		if p.Kind.NeedsContainer() {
			fmt.Printf("  Database name:   %s\n", p.Name)
			fmt.Printf("  Database user:   %s\n", p.User)
			fmt.Printf("  Database host:   %s\n", p.Host)
			if p.Password != "" {
				fmt.Printf("  Password:        (set)\n")
			}
		}
		if p.DataDirectory != "" {
			fmt.Printf("  Data directory:  %s\n", p.DataDirectory)
		}
		fmt.Printf("  Trusted domains: %s\n", strings.Join(p.TrustedDomains, ", "))
		return nil
	},
}

func init() {
	addPassphraseFlags(inspectCmd, &inspectPass)
}
