package main

import (
	"fmt"
	"time"

	"github.com/acmacalister/devhost"
	"github.com/spf13/cobra"
)

var certCmd = &cobra.Command{
	Use:     "cert",
	Short:   "Manage the local CA and leaf certificates",
	Aliases: []string{"certs"},
}

var certInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the root CA if it does not exist",
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, _ []string) error {
		if err := app.CA.Initialize(); err != nil {
			return err
		}
		printf(cmd, "root CA: %s\n", app.CA.RootCertPath())
		printf(cmd, "run \"devhost trust\" to add it to the system trust store\n")
		return nil
	}),
}

var certIssueCmd = &cobra.Command{
	Use:   "issue <domain>",
	Short: "Issue (or re-issue) a certificate for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		if err := app.CA.Initialize(); err != nil {
			return err
		}
		info, err := app.CA.Issue(args[0])
		if err != nil {
			return err
		}
		printf(cmd, "issued %s (expires %s)\n  cert: %s\n  key:  %s\n",
			info.Domain, info.NotAfter.Format(time.DateOnly), info.CertPath, info.KeyPath)
		return nil
	}),
}

var certVerifyCmd = &cobra.Command{
	Use:   "verify <domain>",
	Short: "Check the stored certificate for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		info, err := app.CA.Verify(args[0])
		if err != nil {
			return err
		}
		if info == nil {
			printf(cmd, "no certificate stored for %s\n", args[0])
			return nil
		}
		printf(cmd, "%s valid=%s not_after=%s serial=%s\n",
			info.Domain, yesNo(info.IsValid), info.NotAfter.Format(time.RFC3339), info.SerialNumber)
		if !info.IsValid {
			return fmt.Errorf("certificate for %s is not valid", info.Domain)
		}
		return nil
	}),
}

var certListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List stored certificates",
	Aliases: []string{"ls"},
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, _ []string) error {
		certs, err := app.CA.List()
		if err != nil {
			return err
		}
		w := newTable(cmd.OutOrStdout())
		_, _ = fmt.Fprintln(w, "DOMAIN\tVALID\tNOT AFTER\tFINGERPRINT")
		for _, c := range certs {
			fp := c.Fingerprint
			if len(fp) > 16 {
				fp = fp[:16]
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Domain, yesNo(c.IsValid), c.NotAfter.Format(time.DateOnly), fp)
		}
		return w.Flush()
	}),
}

var certDeleteCmd = &cobra.Command{
	Use:     "delete <domain>",
	Short:   "Delete the stored certificate for a domain",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		deleted, err := app.CA.Delete(args[0])
		if err != nil {
			return err
		}
		if !deleted {
			printf(cmd, "no certificate stored for %s\n", args[0])
			return nil
		}
		printf(cmd, "deleted certificate for %s\n", args[0])
		return nil
	}),
}

func init() {
	certCmd.AddCommand(certInitCmd, certIssueCmd, certVerifyCmd, certListCmd, certDeleteCmd)
	rootCmd.AddCommand(certCmd)
}
