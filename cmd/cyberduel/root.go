package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/logger"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/config"
)

// rootOptions carries the global flags and the configuration loaded from
// them before any subcommand runs.
type rootOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
	logFile    string

	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "cyberduel",
		Short: "CyberDuel - EDR attacker vs attacker test orchestrator",
		Long: `CyberDuel provisions two identical Windows machines, optionally installs
an EDR product on both, runs MITRE ATT&CK techniques against each of them
and scores how well each defense held up.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.load,
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logCloser != nil {
				opts.logCloser.Close()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Env files loaded before the configuration")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (overrides logging.level)")
	flags.StringVar(&opts.logFile, "log-file", "", "Log file (overrides logging.file, empty disables)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newAttacksCmd(),
		newResultsCmd(opts),
		newCheckCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads .env files and the configuration, then sets up logging.
func (o *rootOptions) load(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" || cmd.Name() == "help" {
		return nil
	}

	loader := config.NewLoader(".")
	if err := loader.LoadDotEnv(o.envFiles...); err != nil {
		return err
	}
	cfg, err := loader.Load(o.configPath)
	if err != nil {
		return err
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Logging.File = o.logFile
	}
	o.logCloser = logger.SetLoggerToStructured(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.File)
	o.cfg = cfg
	return nil
}
