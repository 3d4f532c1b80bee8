package main

import (
	"github.com/spf13/cobra"

	"notebookrunner/internal/app"
	"notebookrunner/internal/config"
)

const defaultConfigPath = "./notebookrunner.yaml"

type rootFlags struct {
	configPath string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:           "notebookrunner",
		Short:         "Register scheduled notebook reports with the orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv("")
		},
	}
	root.PersistentFlags().StringVar(&rf.configPath, "config", defaultConfigPath, "path to the config file (yaml or json)")

	root.AddCommand(
		newScheduleCmd(rf),
		newHandoffCmd(rf),
		newRunCmd(),
		newSyncCmd(rf),
		newHistoryCmd(rf),
	)
	return root
}

// openApp loads the config. The default config path may be missing; an
// explicit --config must exist.
func (rf *rootFlags) openApp(cmd *cobra.Command, opts app.Options) (*app.App, error) {
	opts.ConfigPath = rf.configPath
	opts.RequireConfig = opts.RequireConfig || cmd.Flags().Changed("config")
	if opts.Stderr == nil {
		opts.Stderr = cmd.ErrOrStderr()
	}
	opts.ChildArgs = []string{"--config", rf.configPath}
	return app.New(opts)
}
