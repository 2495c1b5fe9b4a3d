package app

import (
	"context"
	"fmt"
	"os"
)

// Cycle runs one full platform cycle and prints the structured outcome.
func (a *App) Cycle(ctx context.Context, platform string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := a.newOrchestrator(store).RunPlatformCycle(ctx, platform)
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintf(os.Stdout, "cycle for %s skipped: another run is active\n", platform)
		return nil
	}

	fmt.Fprintf(os.Stdout,
		"run %s platform=%s mode=%s acquired=%d monitored=%d unprocessed=%d events=%d evicted=%d refilled=%d trimmed=%d published=%d reason=%s\n",
		report.RunID, report.Platform, report.Mode,
		report.Acquired, report.Monitored, report.Unprocessed, report.Events,
		report.Evicted, report.Refilled, report.Trimmed, report.Published, report.Reason,
	)
	return nil
}

// Collect fills the platform catalog toward the target without monitoring.
func (a *App) Collect(ctx context.Context, platform string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := a.newOrchestrator(store).Collect(ctx, platform)
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintf(os.Stdout, "collect for %s skipped: another run is active\n", platform)
		return nil
	}

	fmt.Fprintf(os.Stdout, "collected %d identifiers for %s (shortfall %d)\n",
		report.Acquired, platform, report.Shortfall)
	if report.SourceBlocked {
		fmt.Fprintln(os.Stdout, "warning: every topic reported a blocking response")
	}
	return nil
}
