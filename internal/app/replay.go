package app

import (
	"context"
	"errors"
	"fmt"
)

// Replay re-runs every aligned cycle in [from, to] in order. Cycle ids are
// deterministic, so replaying a cycle overwrites its earlier results.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if !opts.From.Before(opts.To) {
		return errors.New("replay range is empty; check --from/--to")
	}
	if opts.DryRun {
		a.Logger.Warn().Msg("replay dry-run: results are not persisted and change sets are only logged")
	}

	rt, err := a.newRuntime(ctx, runtimeOptions{dryRun: opts.DryRun})
	if err != nil {
		return err
	}
	defer rt.close()

	cycles := rt.sched.Cycles(opts.From.UTC(), opts.To.UTC())
	if len(cycles) == 0 {
		return errors.New("replay range contains no aligned cycle")
	}

	processed, skipped, failed := 0, 0, 0
	for _, cycle := range cycles {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rep, err := rt.svc.ProcessCycle(ctx, cycle)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("cycle", cycle).Msg("replay cycle failed")
			continue
		}
		if rep.Skipped {
			skipped++
			continue
		}
		processed++
	}

	a.Logger.Info().
		Int("processed", processed).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("replay finished")
	if failed > 0 {
		return fmt.Errorf("%d of %d replayed cycles failed; see logs", failed, len(cycles))
	}
	return nil
}
