package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/acmacalister/devhost"
	"github.com/spf13/cobra"
)

// --- Flags ---
var (
	configPath   string
	dataDirFlag  string
	hostsFlag    string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "devhost",
	Short: "Local HTTPS domains for development servers",
	Long: `devhost maps friendly local domain names to services on this machine and
serves them over HTTPS with certificates from a local root CA.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: search ./devhost.yaml, ~/.devhost/devhost.yaml, /etc/devhost/devhost.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "directory for certificates and the route table")
	rootCmd.PersistentFlags().StringVar(&hostsFlag, "hosts-file", "", "hosts file to manage")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig() (*devhost.Config, error) {
	cfg, err := devhost.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	if hostsFlag != "" {
		cfg.Hosts.Path = hostsFlag
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	return cfg, nil
}

// newApp builds the App for a command. The returned closer releases the
// log output.
func newApp() (*devhost.App, io.Closer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, closer, err := devhost.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	app, err := devhost.NewApp(*cfg, logger)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return app, closer, nil
}

// withApp runs fn with a fresh App and closes the log afterwards.
func withApp(fn func(app *devhost.App, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, closer, err := newApp()
		if err != nil {
			return err
		}
		defer func() { _ = closer.Close() }()
		return fn(app, cmd, args)
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
