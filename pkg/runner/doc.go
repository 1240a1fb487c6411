// Package runner drives one turn on a backend session to completion.
//
// Executor appends the turn, starts a run and polls it until the backend
// reports a terminal status or the poll budget runs out. RetryPolicy re-runs an
// operation only while it fails with turnerr.ErrTransientConflict, sleeping a
// linearly growing delay between attempts.
//
// Usage:
//
//	exec := runner.NewExecutor(client, runner.Options{MaxAttempts: 30, PollInterval: time.Second})
//	policy := runner.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}
//	var res runner.Result
//	err := policy.Run(ctx, func(ctx context.Context, attempt int) error {
//		var err error
//		res, err = exec.Run(ctx, sessionID, input)
//		return err
//	})
package runner
