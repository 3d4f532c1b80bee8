package main

import (
	"errors"
	"io/fs"

	"github.com/spf13/cobra"

	"notebookrunner/internal/config"
	"notebookrunner/internal/deploy"
	"notebookrunner/internal/handoff"
	logx "notebookrunner/pkg/logx"
)

// newHandoffCmd is the child side of an isolated registration. The parent
// records the attempt, so the child only registers and writes its result.
func newHandoffCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:    handoff.Command + " <bundle>",
		Short:  "Register the deployment described by a handoff bundle",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "info"
			if cfg, err := config.NewManager(rf.configPath).Load(); err == nil {
				if cfg.Logging.Level != "" {
					level = cfg.Logging.Level
				}
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			log := logx.NewWriter(cmd.ErrOrStderr(), level).With(logx.String("comp", "handoff"))
			return handoff.Serve(cmd.Context(), args[0], deploy.Direct{Log: log})
		},
	}
}
