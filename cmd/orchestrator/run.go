package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/doravidan/vibing2-sub003/internal/events"
	"github.com/doravidan/vibing2-sub003/internal/scheduler"
	"github.com/doravidan/vibing2-sub003/internal/templates"
	"github.com/doravidan/vibing2-sub003/internal/workflow"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

var (
	runTemplate string
	runFile     string
	runParams   []string
	runParallel int
	runStrategy string
	runPolicy   string
	runTimeout  time.Duration
	runInvoker  string
	runJSON     bool
	runOutputs  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a workflow locally and print its events",
	Long: `Execute a workflow in-process and stream its events to the terminal.

The workflow comes from a template (--template) or from a YAML/JSON file
holding a submission with explicit tasks (--file). Template parameters are
given as --param key=value; values that parse as JSON (numbers, booleans,
arrays) keep their type.

Exits non-zero when the workflow does not complete.`,
	Example: `  orchestrator run --template fullstack-app --param app_name=shop --param include_database=true
  orchestrator run --file workflow.yaml --parallel 2 --invoker anthropic`,
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().StringVarP(&runTemplate, "template", "t", "", "Template ID to instantiate")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "YAML or JSON workflow submission")
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Template parameter as key=value (repeatable)")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "Maximum concurrent agent calls")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "Context strategy: shared, isolated or hierarchical")
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "Failure policy: fail_isolated or fail_fast")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Global workflow timeout")
	runCmd.Flags().StringVar(&runInvoker, "invoker", "", "Agent backend: echo, anthropic or command (overrides ORCH_INVOKER)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the final result as JSON")
	runCmd.Flags().BoolVar(&runOutputs, "show-output", false, "Print each task's output after the run")
	runCmd.MarkFlagsMutuallyExclusive("template", "file")
	runCmd.MarkFlagsOneRequired("template", "file")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if logLevel == "" {
		cfg.LogLevel = "warn"
	}
	cfg.RunStoreType, cfg.RegistryType, cfg.TemplateStoreType = "memory", "memory", "memory"
	cfg.EventRedisChannel = ""
	if runInvoker != "" {
		cfg.Invoker = runInvoker
	}
	logger := cfg.NewLogger(os.Stderr)

	req, err := buildRequest()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.seed(ctx); err != nil {
		return err
	}
	if cfg.TemplateDir != "" {
		list, err := templates.LoadDir(cfg.TemplateDir)
		if err != nil {
			logger.Warn("some templates failed to load", "dir", cfg.TemplateDir, "error", err)
		}
		if err := templates.Sync(ctx, c.templates, list); err != nil {
			return err
		}
	}

	inv, err := c.newInvoker(cfg.Invoker)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sinks := c.sinks
	if !runJSON {
		sinks = append(sinks, events.Named("terminal", &printer{out: out}))
	}
	service := workflow.NewService(c.runs, c.builder, c.newScheduler(inv), workflow.Config{
		Defaults: cfg.ExecuteDefaults(),
		Sinks:    sinks,
		Logger:   logger,
	})

	wf, err := service.Submit(ctx, req)
	if err != nil {
		return err
	}

	res, err := service.Wait(ctx, wf.ID)
	if err != nil {
		// Interrupted: stop the run and wait for it to record its result.
		_ = service.Cancel(context.Background(), wf.ID)
		if res, err = service.Wait(context.Background(), wf.ID); err != nil {
			return err
		}
	}

	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if runOutputs {
		printOutputs(out, res)
	}
	return scheduler.ResultError(res)
}

// buildRequest assembles the submission from flags.
func buildRequest() (*workflow.SubmitRequest, error) {
	req := &workflow.SubmitRequest{}
	if runFile != "" {
		data, err := os.ReadFile(runFile)
		if err != nil {
			return nil, err
		}
		if req, err = decodeRequest(data); err != nil {
			return nil, fmt.Errorf("%s: %w", runFile, err)
		}
	}
	if runTemplate != "" {
		req.Template = runTemplate
	}

	params, err := parseParams(runParams)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if req.Params == nil {
			req.Params = make(map[string]any, len(params))
		}
		for k, v := range params {
			req.Params[k] = v
		}
	}

	if runParallel > 0 {
		req.Config.MaxParallelAgents = runParallel
	}
	if runStrategy != "" {
		req.Config.ContextStrategy = types.ContextStrategy(runStrategy)
	}
	if runPolicy != "" {
		req.Config.FailurePolicy = types.FailurePolicy(runPolicy)
	}
	if runTimeout > 0 {
		req.Config.GlobalTimeout = types.Duration(runTimeout)
	}
	req.Autostart = true
	return req, nil
}

// decodeRequest reads a YAML or JSON submission. YAML is converted through
// JSON so both formats share the JSON field names.
func decodeRequest(data []byte) (*workflow.SubmitRequest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var req workflow.SubmitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// parseParams turns key=value pairs into parameters. Values that are valid
// JSON keep their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		params[key] = v
	}
	return params, nil
}

// printer renders events as colored terminal lines.
type printer struct {
	out io.Writer
}

var (
	faint   = color.New(color.Faint).SprintFunc()
	bold    = color.New(color.Bold).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
)

func (p *printer) Send(_ context.Context, e *types.Event) error {
	line := formatEvent(e)
	if line == "" {
		return nil
	}
	_, err := fmt.Fprintf(p.out, "%s %s\n", faint(e.Timestamp.Local().Format("15:04:05")), line)
	return err
}

func formatEvent(e *types.Event) string {
	switch e.Type {
	case types.EventWorkflowStart:
		var d types.WorkflowStartEvent
		_ = e.DecodeData(&d)
		return bold(fmt.Sprintf("▶ workflow %s started: %d tasks, %d parallel, %s context",
			e.WorkflowID, d.TaskCount, d.Config.MaxParallelAgents, d.Config.ContextStrategy))
	case types.EventTaskStart:
		var d types.TaskStartEvent
		_ = e.DecodeData(&d)
		return cyan("→ "+e.TaskID) + faint(" ("+d.Agent+")")
	case types.EventTaskComplete:
		var d types.TaskCompleteEvent
		_ = e.DecodeData(&d)
		return green("✓ "+e.TaskID) + faint(fmt.Sprintf(" %d tokens, %s", d.TokensUsed, time.Duration(d.DurationMs)*time.Millisecond))
	case types.EventTaskError:
		var d types.TaskErrorEvent
		_ = e.DecodeData(&d)
		return red(fmt.Sprintf("✗ %s [%s] %s", e.TaskID, d.Kind, d.Error))
	case types.EventTaskSkipped:
		var d types.TaskSkippedEvent
		_ = e.DecodeData(&d)
		return yellow(fmt.Sprintf("⊘ %s skipped: %s", e.TaskID, d.Reason))
	case types.EventContextPruned:
		var d types.ContextPrunedEvent
		_ = e.DecodeData(&d)
		return faint(fmt.Sprintf("  context pruned for %s: %d keys, %d tokens freed", d.Scope, len(d.EvictedKeys), d.TokensFreed))
	case types.EventMessageDelivered:
		var d types.MessageDeliveredEvent
		_ = e.DecodeData(&d)
		return magenta(fmt.Sprintf("✉ %s → %s", d.Message.Sender, d.Message.Target)) +
			faint(fmt.Sprintf(" (%d delivered)", d.Delivered))
	case types.EventWorkflowComplete:
		var d types.WorkflowCompleteEvent
		_ = e.DecodeData(&d)
		status := green(string(d.Status))
		if d.Status != types.WorkflowStatusCompleted {
			status = red(string(d.Status))
		}
		line := bold("■ workflow ") + status + fmt.Sprintf(" in %s, %d tokens, %s",
			time.Duration(d.DurationMs)*time.Millisecond, d.TotalTokens, formatCounts(d.Counts))
		if d.Error != "" {
			line += red(": " + d.Error)
		}
		return line
	default:
		return ""
	}
}

func formatCounts(counts map[types.TaskStatus]int) string {
	keys := make([]string, 0, len(counts))
	for s := range counts {
		keys = append(keys, string(s))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[types.TaskStatus(k)], k))
	}
	return strings.Join(parts, ", ")
}

func printOutputs(out io.Writer, res *types.WorkflowResult) {
	for _, id := range res.Order {
		r, ok := res.Results[id]
		if !ok {
			continue
		}
		fmt.Fprintf(out, "\n%s %s\n", bold("## "+id), faint("("+string(r.Status)+")"))
		switch {
		case r.Output != "":
			fmt.Fprintln(out, r.Output)
		case r.Error != "":
			fmt.Fprintln(out, red(r.Error))
		}
	}
}
