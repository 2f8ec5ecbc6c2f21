package main

import (
	"fmt"

	"github.com/acmacalister/devhost"
	"github.com/spf13/cobra"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Add the root CA to the system trust store",
	Long: `trust installs the devhost root certificate with the platform tool
(certutil, security or update-ca-certificates). It usually needs
administrator rights.`,
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, _ []string) error {
		if err := app.CA.Initialize(); err != nil {
			return err
		}
		installer := devhost.NewTrustInstaller(devhost.DetectPlatform())
		installer.Logger = app.Logger
		result := installer.Install(cmd.Context(), app.CA.RootCertPath())
		printf(cmd, "%s\n", result.Message)
		if !result.OK {
			return fmt.Errorf("trust installation failed")
		}
		return nil
	}),
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "devhost.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := devhost.WriteExampleConfig(path); err != nil {
			return err
		}
		printf(cmd, "Generated %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(trustCmd, configCmd)
}
