package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"notebookrunner/internal/app"
)

func newSyncCmd(rf *rootFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync [report...]",
		Short: "Register the reports listed in the config file",
		Long: `sync registers every report under "reports:" (or only the named ones)
through the task engine, retrying temporary orchestrator errors.

With --watch it keeps running and re-registers reports whenever the config
file changes. Under systemd it reports readiness through sd_notify.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.openApp(cmd, app.Options{RequireConfig: true})
			if err != nil {
				return err
			}
			defer a.Close()
			if !watch && len(a.Config().Reports) == 0 {
				return errors.New("no reports configured")
			}

			ctx := cmd.Context()
			a.Start(ctx)
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				_ = a.Stop(stopCtx)
			}()

			if watch {
				return a.Watch(ctx)
			}

			results := a.Sync(ctx, nil, args)
			out := cmd.OutOrStdout()
			for _, r := range results {
				switch {
				case r.Skipped:
					fmt.Fprintf(out, "skipped\t%s\n", r.Name)
				case r.Err != nil:
					fmt.Fprintf(out, "failed\t%s\t%v\n", r.Name, r.Err)
				default:
					fmt.Fprintf(out, "ok\t%s\t%s\n", r.Name, r.Deployment.ID)
				}
			}
			return app.SyncErr(results)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and re-sync when the config file changes")
	return cmd
}
