package root

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stitchcli/stitch/pkg/config"
	"github.com/stitchcli/stitch/pkg/logging"
)

type rootFlags struct {
	configPath  string
	serverURL   string
	debugMode   bool
	logFilePath string
	logFile     io.Closer

	cfg *config.Config
}

func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "stitch",
		Short: "stitch - attach to agent sessions from the terminal",
		Long:  "stitch reconstructs and follows agent conversation sessions, stitching persisted history together with the live event stream",
		Example: `  stitch attach 1b9f8a
  stitch dump 1b9f8a
  stitch sessions`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if flags.serverURL != "" {
				cfg.ServerURL = flags.serverURL
			}
			flags.cfg = cfg

			level := cfg.LogLevel
			debugPath := ""
			if flags.debugMode {
				level = "debug"
				debugPath = flags.logFilePath
			}
			closer, err := logging.Setup(level, debugPath)
			if err != nil {
				return err
			}
			flags.logFile = closer
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if flags.logFile != nil {
				if err := flags.logFile.Close(); err != nil {
					slog.Error("Failed to close log file", "error", err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the configuration file")
	cmd.PersistentFlags().StringVarP(&flags.serverURL, "server", "s", "", "Agent server URL (overrides config)")
	cmd.PersistentFlags().BoolVarP(&flags.debugMode, "debug", "d", false, "Enable debug logging to a file")
	cmd.PersistentFlags().StringVar(&flags.logFilePath, "log-file", "", "Debug log file path (only used with --debug)")

	cmd.AddCommand(newAttachCmd(&flags))
	cmd.AddCommand(newDumpCmd(&flags))
	cmd.AddCommand(newSessionsCmd(&flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the CLI with the given streams and arguments.
func Execute(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	cmd := NewRootCmd()
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
