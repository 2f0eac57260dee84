// Command nblog runs an interactive shell whose session can be recorded to
// a transcript file.
package main

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zhubert/nblog/cli"
	"github.com/zhubert/nblog/config"
	"github.com/zhubert/nblog/exec"
	"github.com/zhubert/nblog/logger"
	"github.com/zhubert/nblog/paths"
	"github.com/zhubert/nblog/session"
	"github.com/zhubert/nblog/shell"
	"github.com/zhubert/nblog/stdio"
	"github.com/zhubert/nblog/tee"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

type rootFlags struct {
	configPath string
	debug      bool
}

// loadConfig reads the config file named by --config, or the default one.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	logger.SetDebug(f.debug || cfg.Debug)
	return cfg, nil
}

// mergeOptions fills options the user left unset from cfg.
func mergeOptions(flags shell.Options, cfg *config.Config) shell.Options {
	opts := shell.OptionsFromConfig(cfg)
	if flags.Program != "" {
		opts.Program = flags.Program
	}
	if flags.Prompt != "" {
		opts.Prompt = flags.Prompt
	}
	opts.Dir = flags.Dir
	opts.ForcePrompt = flags.ForcePrompt
	return opts
}

func newRunCmd(root *rootFlags) *cobra.Command {
	var (
		logPath string
		opts    shell.Options
	)
	cmd := &cobra.Command{
		Use:   "run [--log <path>]",
		Short: "Start an interactive shell",
		Long: `Start an interactive shell. Each line is run with "<shell> -c <line>".

Use %register_logging <path> to start a transcript, %logstop to end it and
%logstate to see where it goes. --log starts the transcript immediately, as
does "autostart: true" with a "transcript" path in the config file.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			defer logger.Close()

			shellOpts := mergeOptions(opts, cfg)
			if err := cli.ValidateRequired(cli.ShellPrerequisites(shellOpts.Program)); err != nil {
				return err
			}

			ctrl := session.NewController(stdio.Process, nil)
			sh := shell.New(shellOpts, ctrl, exec.NewRealExecutor(), nil)
			sh.Load()
			logger.WithShell(sh.ID()).Info("shell started", "version", version)

			path := logPath
			if path == "" && cfg.Autostart {
				path = cfg.Transcript
			}
			if path != "" {
				if _, err := ctrl.Start(sh, path); err != nil {
					return stderrors.Join(err, sh.Unload())
				}
			}

			runErr := sh.Run(cmd.Context(), cmd.InOrStdin())
			return stderrors.Join(runErr, sh.Unload())
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "start a transcript at this path")
	opts.AddFlags(cmd.Flags())
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "show <path>",
		Short:         "Print a transcript",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := paths.Expand(args[0])
			if err != nil {
				return errors.Wrapf(err, "resolving %s", args[0])
			}
			t, err := tee.Open(tee.Options{Path: path, ReadOnly: true, FS: osfs.New("/")})
			if err != nil {
				return errors.Wrap(err, "reading transcript")
			}
			defer t.Close()

			text, err := t.Read()
			if err != nil {
				return err
			}
			if text == "" {
				fmt.Fprintln(cmd.OutOrStderr(), yellow("NOTE:"), "transcript is empty")
				return nil
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), text)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the nblog version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "nblog", version)
		},
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "nblog [subcommand]",
		Short: "An interactive shell that records its session to a transcript",
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default <config dir>/config.yaml)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newShowCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		os.Exit(1)
	}
}
