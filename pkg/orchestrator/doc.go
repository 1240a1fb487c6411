// Package orchestrator is the caller surface of threadline.
//
// Submit queues a turn for a registered agent. Each turn resolves a session,
// takes the per-session lease, runs with retry on conflicts, parses the reply
// and tears down ephemeral sessions before the caller is answered.
//
// Usage:
//
//	orch := orchestrator.New(orchestrator.Options{Store: store})
//	defer orch.Close()
//	_ = orch.Register(orchestrator.Agent{Name: "cortex", DisplayName: "Cortex", Persistent: true, Client: client})
//	result, err := orch.Submit(ctx, "cortex", true, "hello")
package orchestrator
