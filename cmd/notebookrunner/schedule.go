package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"notebookrunner/internal/app"
	"notebookrunner/internal/deploy"
	"notebookrunner/internal/job"
)

type scheduleFlags struct {
	apiURL      string
	name        string
	notebookURL string
	queue       string
	schedule    string
	timezone    string
	parameters  string
	params      []string
	isolated    bool
	dryRun      bool
}

func newScheduleCmd(rf *rootFlags) *cobra.Command {
	f := &scheduleFlags{}
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Register a notebook report as a scheduled deployment",
		Example: `  notebookrunner schedule --name weekly-sales \
    --notebook-url https://hub.example.com/notebooks/sales.ipynb \
    --queue reports --schedule "0 9 * * MON" --param region=emea`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchedule(cmd, rf, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.apiURL, "api-url", "", "orchestrator API URL (default orchestrator.api_url or $PREFECT_API_URL)")
	fl.StringVar(&f.name, "name", "", "deployment and flow name")
	fl.StringVar(&f.notebookURL, "notebook-url", "", "URL of the notebook to execute")
	fl.StringVar(&f.queue, "queue", "", "work queue the deployment is assigned to")
	fl.StringVar(&f.schedule, "schedule", "", `cron ("0 9 * * MON"), interval ("55m", "02:30") or "rrule:FREQ=..."`)
	fl.StringVar(&f.timezone, "timezone", "", "IANA timezone for the schedule (default UTC)")
	fl.StringVar(&f.parameters, "parameters", "", "notebook parameters as a JSON object")
	fl.StringArrayVar(&f.params, "param", nil, "notebook parameter key=value (repeatable, overrides --parameters)")
	fl.BoolVar(&f.isolated, "isolated", false, "register from a freshly launched child process")
	fl.BoolVar(&f.dryRun, "dry-run", false, "print the deployment and next fire times without contacting the API")
	return cmd
}

func runSchedule(cmd *cobra.Command, rf *rootFlags, f *scheduleFlags) error {
	params, err := job.MergeParams(f.parameters, f.params)
	if err != nil {
		return err
	}

	opts := app.Options{}
	if cmd.Flags().Changed("isolated") {
		opts.Isolated = &f.isolated
	}
	a, err := rf.openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.Config()
	spec := job.Spec{
		APIURL:      strings.TrimSpace(f.apiURL),
		Name:        f.name,
		NotebookURL: f.notebookURL,
		Queue:       f.queue,
		Schedule:    f.schedule,
		Timezone:    f.timezone,
		Parameters:  params,
	}
	if spec.APIURL == "" {
		spec.APIURL = cfg.Orchestrator.APIURL
	}
	dopts, err := app.DeployOptions(cfg)
	if err != nil {
		return err
	}

	if f.dryRun {
		return printDryRun(cmd, spec, dopts)
	}

	dep, err := a.Register(cmd.Context(), spec, dopts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", dep.ID, dep.Name)
	return nil
}

func printDryRun(cmd *cobra.Command, spec job.Spec, opts deploy.Options) error {
	req, err := deploy.Build(spec, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(req); err != nil {
		return err
	}

	next, err := req.Schedule.Next(time.Now(), 5)
	if err != nil {
		fmt.Fprintf(out, "next runs: %v\n", err)
		return nil
	}
	fmt.Fprintln(out, "next runs:")
	for _, t := range next {
		fmt.Fprintf(out, "  %s\n", t.Format(time.RFC3339))
	}
	return nil
}
