package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmacalister/devhost"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveAll  bool
	upPort    int
	downPurge bool
)

var serveCmd = &cobra.Command{
	Use:   "serve [domain...]",
	Short: "Serve registered routes until interrupted",
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !serveAll {
			return fmt.Errorf("name the domains to serve or pass --all")
		}
		if serveAll {
			args = nil
		}

		n, err := app.StartRoutes(args...)
		if err != nil {
			if n == 0 {
				return err
			}
			app.Logger.Warn("some routes failed to start", "error", err)
		}
		if n == 0 {
			return fmt.Errorf("no routes registered")
		}
		printf(cmd, "serving %d route(s); press Ctrl-C to stop\n", n)
		return run(cmd.Context(), app)
	}),
}

var upCmd = &cobra.Command{
	Use:   "up <domain> <target>",
	Short: "Map a domain to a local service and serve it over HTTPS",
	Long: `up adds a hosts entry for the domain, issues a certificate if needed,
registers the route and serves it until interrupted.`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		rt, err := app.Link(args[0], args[1], upPort)
		if err != nil {
			return err
		}
		printf(cmd, "https://%s", rt.Domain)
		if rt.Port != 443 {
			printf(cmd, ":%d", rt.Port)
		}
		printf(cmd, " -> %s\n", rt.Target)
		return run(cmd.Context(), app)
	}),
}

var downCmd = &cobra.Command{
	Use:   "down <domain>",
	Short: "Remove a domain's route and hosts entry",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(app *devhost.App, cmd *cobra.Command, args []string) error {
		if err := app.Unlink(args[0], downPurge); err != nil {
			return err
		}
		printf(cmd, "removed %s\n", args[0])
		return nil
	}),
}

// run serves until SIGINT or SIGTERM. SIGHUP re-issues invalid
// certificates and reloads every running route's certificate from disk.
func run(parent context.Context, app *devhost.App) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloader := devhost.WatchSIGHUP(app.Router, reissueInvalid(app), app.Logger)
	defer reloader.Cancel()

	g, gctx := errgroup.WithContext(ctx)

	if app.Config.Status.Enabled {
		status := app.StatusServer()
		g.Go(status.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return status.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := app.Hosts.Watch(gctx); err != nil {
			app.Logger.Warn("hosts file not watched", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.Logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.Shutdown(shutdownCtx)
	})

	app.Health.SetReady(true)
	return g.Wait()
}

func reissueInvalid(app *devhost.App) devhost.ReloadFunc {
	return func(_ context.Context) error {
		for _, rt := range app.Router.Routes() {
			if !rt.IsRunning {
				continue
			}
			if _, err := app.EnsureCertificate(rt.Domain); err != nil {
				return err
			}
		}
		return nil
	}
}

func init() {
	serveCmd.Flags().BoolVar(&serveAll, "all", false, "serve every registered route")
	upCmd.Flags().IntVar(&upPort, "port", 0, "HTTPS port to serve on (default from config)")
	downCmd.Flags().BoolVar(&downPurge, "purge", false, "also delete the domain's certificate")

	rootCmd.AddCommand(serveCmd, upCmd, downCmd)
}
