package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"notebookrunner/internal/flow"
	"notebookrunner/internal/job"
	logx "notebookrunner/pkg/logx"
)

func newRunCmd() *cobra.Command {
	var (
		p          flow.Params
		parameters string
		pairs      []string
		level      string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the report flow locally, as a worker would",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := job.MergeParams(parameters, pairs)
			if err != nil {
				return err
			}
			p.Parameters = params
			body, err := flow.RunReport(cmd.Context(), logx.NewWriter(cmd.ErrOrStderr(), level), p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&p.Name, "name", "", "report name")
	fl.StringVar(&p.NotebookURL, "notebook-url", "", "URL of the notebook to execute")
	fl.StringVar(&parameters, "parameters", "", "notebook parameters as a JSON object")
	fl.StringArrayVar(&pairs, "param", nil, "notebook parameter key=value (repeatable)")
	fl.StringVar(&level, "log-level", "info", "log level")
	return cmd
}
