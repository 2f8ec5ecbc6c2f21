package main

import (
	"fmt"

	"github.com/acmacalister/devhost"
	"github.com/spf13/cobra"
)

var (
	routePort   int
	routeTarget string
)

var routeCmd = &cobra.Command{
	Use:     "route",
	Short:   "Manage the proxy route table",
	Aliases: []string{"routes", "proxy"},
}

var routeAddCmd = &cobra.Command{
	Use:   "add <domain> <target>",
	Short: "Register a route (stopped until served)",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		certPath, keyPath := app.CA.CertPaths(args[0])
		rt, err := app.Router.Register(devhost.Route{
			Domain:   args[0],
			Target:   args[1],
			Port:     portOrDefault(app),
			CertPath: certPath,
			KeyPath:  keyPath,
		})
		if err != nil {
			return err
		}
		printf(cmd, "https://%s:%d -> %s\n", rt.Domain, rt.Port, rt.Target)
		return nil
	}),
}

var routeListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List routes",
	Aliases: []string{"ls"},
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, _ []string) error {
		w := newTable(cmd.OutOrStdout())
		_, _ = fmt.Fprintln(w, "DOMAIN\tPORT\tTARGET")
		for _, rt := range app.Router.Routes() {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", rt.Domain, rt.Port, rt.Target)
		}
		return w.Flush()
	}),
}

var routeUpdateCmd = &cobra.Command{
	Use:   "update <domain>",
	Short: "Change a route's target or port",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		var u devhost.RouteUpdate
		if cmd.Flags().Changed("target") {
			u.Target = &routeTarget
		}
		if cmd.Flags().Changed("port") {
			u.Port = &routePort
		}
		if u.Target == nil && u.Port == nil {
			return fmt.Errorf("nothing to update: pass --target or --port")
		}
		rt, err := app.Router.Update(args[0], u)
		if err != nil {
			return err
		}
		printf(cmd, "https://%s:%d -> %s\n", rt.Domain, rt.Port, rt.Target)
		return nil
	}),
}

var routeRemoveCmd = &cobra.Command{
	Use:     "remove <domain>",
	Short:   "Remove a route",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		removed, err := app.Router.Unregister(args[0])
		if err != nil {
			return err
		}
		if !removed {
			printf(cmd, "no route for %s\n", args[0])
			return nil
		}
		printf(cmd, "removed route for %s\n", args[0])
		return nil
	}),
}

func portOrDefault(app *devhost.App) int {
	if routePort != 0 {
		return routePort
	}
	return app.Config.Proxy.Port
}

func init() {
	routeAddCmd.Flags().IntVar(&routePort, "port", 0, "HTTPS port to serve on (default from config)")
	routeUpdateCmd.Flags().IntVar(&routePort, "port", 0, "new HTTPS port")
	routeUpdateCmd.Flags().StringVar(&routeTarget, "target", "", "new backend URL or host:port")

	routeCmd.AddCommand(routeAddCmd, routeListCmd, routeUpdateCmd, routeRemoveCmd)
	rootCmd.AddCommand(routeCmd)
}
