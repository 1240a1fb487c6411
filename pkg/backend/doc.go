// Package backend adapts stateful conversational services to one polling contract.
//
// A Client exposes six primitives: create session, delete session, append turn,
// start run, poll run and list messages. Two families are provided:
//
//   - AssistantClient drives the OpenAI Assistants API (threads, messages, runs).
//   - ChatClient emulates sessions and runs on top of a single-shot chat
//     Completer (OpenAI chat completions or Anthropic messages), keeping the
//     history in memory and executing each run on its own goroutine.
//
// Invariants:
//   - ListMessages returns the most recent message first.
//   - A turn appended while a run is active fails with ErrRunActive.
//   - Unknown sessions fail with ErrSessionNotFound.
//
// Usage:
//
//	client := backend.NewAssistantClient(openai.NewClient(option.WithAPIKey(key)), "asst_123")
//	sessionID, _ := client.CreateSession(ctx)
//	_, _ = client.AppendTurn(ctx, sessionID, "hello")
//	runID, _ := client.StartRun(ctx, sessionID)
//	status, _ := client.PollRun(ctx, sessionID, runID)
package backend
