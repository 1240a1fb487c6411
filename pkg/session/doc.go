// Package session resolves the backend session an agent turn runs on.
//
// Invariants:
// - Persistent sessions are created once per agent name and reused through the store.
// - Ephemeral sessions never touch the store and are deleted after their turn.
// - Failures to create a session surface as turnerr.ErrSessionInit and are not retried.
//
// Usage:
//
//	mgr := session.NewManager(client, session.Options{Store: store})
//	s, err := mgr.Get(ctx, "cortex", true)
//	if err != nil {
//		return err
//	}
//	defer mgr.Release(ctx, s)
package session
