package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localfirst/assistantgw/internal/config"
	"github.com/localfirst/assistantgw/internal/cron"
	"github.com/localfirst/assistantgw/internal/scheduler"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect scheduled jobs without starting the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return runCronInspect()
	},
}

func runCronInspect() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := scheduler.OpenStore(cfg.Scheduler.DBPath)
	if err != nil {
		return fmt.Errorf("open scheduler store: %w", err)
	}
	defer store.Close()

	jobs, err := store.ListJobs()
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("no scheduled jobs")
		return nil
	}

	for _, job := range jobs {
		status := "enabled"
		if !job.Enabled {
			status = "disabled"
		}

		next := "n/a"
		if sched, err := cron.Parse(job.Cron); err == nil {
			next = sched.Describe()
		}

		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", job.ID, job.Name, job.Cron, status, next)

		runs, err := store.RunsForJob(job.ID, 3)
		if err != nil {
			continue
		}
		limit := len(runs)
		if limit > 3 {
			limit = 3
		}
		for _, run := range runs[:limit] {
			fmt.Printf("    run %s  %s  started %s\n", run.ID, run.Status, run.StartedAt.Format("2006-01-02T15:04:05"))
		}
	}

	return nil
}
