package main

import (
	"fmt"

	"github.com/acmacalister/devhost"
	"github.com/spf13/cobra"
)

var (
	hostsIP        string
	hostsLocalOnly bool
)

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage entries in the hosts file",
}

var hostsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List hosts file entries",
	Aliases: []string{"ls"},
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, _ []string) error {
		read := app.Hosts.Read
		if hostsLocalOnly {
			read = app.Hosts.ReadLocal
		}
		entries, err := read()
		if err != nil {
			return err
		}

		w := newTable(cmd.OutOrStdout())
		_, _ = fmt.Fprintln(w, "DOMAIN\tIP\tMANAGED\tENABLED\tLINE")
		for _, e := range entries {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", e.Domain, e.IP, yesNo(e.Managed), yesNo(!e.Disabled), e.LineIndex+1)
		}
		return w.Flush()
	}),
}

var hostsAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Add or enable a managed entry",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		if err := app.Hosts.Add(args[0], hostsIP); err != nil {
			return err
		}
		printf(cmd, "%s -> %s\n", args[0], ipOrDefault())
		return nil
	}),
}

var hostsRemoveCmd = &cobra.Command{
	Use:     "remove <domain>",
	Short:   "Remove a managed entry",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		removed, err := app.Hosts.Remove(args[0], hostsIP)
		if err != nil {
			return err
		}
		if !removed {
			printf(cmd, "%s is not managed by devhost\n", args[0])
			return nil
		}
		printf(cmd, "removed %s\n", args[0])
		return nil
	}),
}

var hostsEnableCmd = &cobra.Command{
	Use:   "enable <domain>",
	Short: "Enable a disabled managed entry",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(setHostEnabled(true)),
}

var hostsDisableCmd = &cobra.Command{
	Use:   "disable <domain>",
	Short: "Comment out a managed entry without removing it",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(setHostEnabled(false)),
}

var hostsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Adopt every unmanaged loopback entry",
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, _ []string) error {
		n, err := app.Hosts.ImportAll()
		printf(cmd, "adopted %d entries\n", n)
		return err
	}),
}

func setHostEnabled(enabled bool) func(*devhost.App, *cobra.Command, []string) error {
	return func(app *devhost.App, cmd *cobra.Command, args []string) error {
		ok, err := app.Hosts.SetEnabled(args[0], enabled, hostsIP)
		if err != nil {
			return err
		}
		if !ok {
			printf(cmd, "%s is not managed by devhost\n", args[0])
			return nil
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		printf(cmd, "%s %s\n", args[0], state)
		return nil
	}
}

func ipOrDefault() string {
	if hostsIP == "" {
		return devhost.DefaultIP
	}
	return hostsIP
}

func init() {
	hostsCmd.PersistentFlags().StringVar(&hostsIP, "ip", "", "address the entry points at (default 127.0.0.1)")
	hostsListCmd.Flags().BoolVar(&hostsLocalOnly, "local", false, "only list loopback entries")

	hostsCmd.AddCommand(hostsListCmd, hostsAddCmd, hostsRemoveCmd, hostsEnableCmd, hostsDisableCmd, hostsImportCmd)
	rootCmd.AddCommand(hostsCmd)
}
