package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"notebookrunner/internal/app"
	"notebookrunner/internal/storage"
)

func newHistoryCmd(rf *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded registration attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rf.openApp(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.History(cmd.Context(), limit)
			if errors.Is(err, storage.ErrDisabled) {
				return errors.New("no ledger configured (set storage.driver to file or sqlite)")
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tNAME\tMODE\tRESULT\tTOOK\tDETAIL")
			for _, r := range recs {
				result, detail := "ok", r.DeploymentID
				if !r.OK {
					result, detail = "failed", r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.At.Local().Format(time.DateTime), r.Name, r.Mode, result,
					(time.Duration(r.TookMS) * time.Millisecond).String(), detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records (0 for all)")
	return cmd
}
