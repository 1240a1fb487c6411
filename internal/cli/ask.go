package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/threadline/internal/tracing"
	"github.com/harun/threadline/pkg/orchestrator"
)

var (
	askEphemeral bool
	askContext   []string
	askJSON      bool
)

var askCmd = &cobra.Command{
	Use:   "ask <agent> <input...>",
	Short: "Send one turn to an agent and print the parsed reply",
	Long: `Send one turn to an agent. The agent's configured session mode is used
unless --ephemeral is given, in which case a fresh session is created for
this turn and deleted afterwards.

Context values are appended to the input as indented JSON:

  threadline ask planner "what next?" --context user=ana --context budget=120`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askEphemeral, "ephemeral", false, "use a throwaway session for this turn")
	askCmd.Flags().StringArrayVar(&askContext, "context", nil, "context entry as key=value (repeatable); JSON values are decoded")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the parsed reply as JSON")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	extra, err := parseContext(askContext)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	agentCfg, ok := cfg.Agent(args[0])
	if !ok {
		return fmt.Errorf("unknown agent: %s", args[0])
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = tracing.NewRequestContext(ctx)

	reply, err := a.orchestrator.SubmitRequest(ctx, orchestrator.Request{
		Agent:      agentCfg.Name,
		Persistent: agentCfg.Persistent && !askEphemeral,
		Input:      strings.Join(args[1:], " "),
		Context:    extra,
	})
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), red("Turn failed: "+err.Error()))
		return err
	}

	out := cmd.OutOrStdout()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reply.Result)
	}
	printResult(out, reply.Result, reply.Fallback)
	fmt.Fprintln(out, gray(fmt.Sprintf("session %s, %s", reply.SessionID, reply.Duration.Round(time.Millisecond))))
	return nil
}

// parseContext turns key=value pairs into a context payload. Values that are
// valid JSON keep their type, everything else stays a string.
func parseContext(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context entry %q (want key=value)", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
