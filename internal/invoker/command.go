package invoker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// CommandConfig configures CommandInvoker.
type CommandConfig struct {
	// Command and arguments to execute for every invocation.
	Command []string

	// EnvPassthrough contains environment variables passed to every process.
	EnvPassthrough map[string]string

	// CWD is the working directory for processes (empty = inherit).
	CWD string

	Logger *slog.Logger
}

// CommandInvoker runs an agent as a local subprocess. The prompt is written
// to stdin. Stdout is read line by line: NDJSON objects of the form
//
//	{"type":"output","text":"..."}
//	{"type":"usage","input_tokens":12,"output_tokens":34}
//
// are interpreted, any other line is taken as output text. Stderr is kept
// for error reporting.
type CommandInvoker struct {
	command        []string
	envPassthrough map[string]string
	cwd            string
	logger         *slog.Logger
}

// NewCommandInvoker creates a subprocess invoker.
func NewCommandInvoker(cfg CommandConfig) (*CommandInvoker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("empty command")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandInvoker{
		command:        cfg.Command,
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
		logger:         logger,
	}, nil
}

// ndjsonLine is one structured line of agent stdout.
type ndjsonLine struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Invoke runs the command once. Cancellation of ctx kills the process.
func (c *CommandInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	env := os.Environ()
	for k, v := range c.envPassthrough {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("WORKFLOW_ID=%s", req.WorkflowID),
		fmt.Sprintf("TASK_ID=%s", req.TaskID),
		fmt.Sprintf("AGENT_NAME=%s", req.Agent),
		fmt.Sprintf("AGENT_MODEL=%s", req.Model),
		fmt.Sprintf("AGENT_SYSTEM_PROMPT=%s", req.SystemPrompt),
	)

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Env = env
	if c.cwd != "" {
		cmd.Dir = c.cwd
	}
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewError(types.ErrorKindUpstream, req.Agent, "stdout pipe", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, NewError(types.ErrorKindUpstream, req.Agent, "start", err)
	}

	resp := &Response{Attempts: 1}
	var out strings.Builder
	c.readStdout(stdout, resp, &out)

	waitErr := cmd.Wait()
	resp.Duration = time.Since(start)
	resp.Output = out.String()

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, Classify(req.Agent, ctxErr)
		}
		detail := tail(stderr.String(), 512)
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			detail = fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), detail)
		}
		if LooksRateLimited(stderr.String()) {
			return nil, NewError(types.ErrorKindRateLimited, req.Agent, detail, waitErr)
		}
		return nil, NewError(types.ErrorKindUpstream, req.Agent, detail, waitErr)
	}
	return resp, nil
}

func (c *CommandInvoker) readStdout(r io.Reader, resp *Response, out *strings.Builder) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		var obj ndjsonLine
		if strings.HasPrefix(strings.TrimSpace(line), "{") && json.Unmarshal([]byte(line), &obj) == nil && obj.Type != "" {
			switch obj.Type {
			case "output":
				out.WriteString(obj.Text)
			case "usage":
				resp.InputTokens += obj.InputTokens
				resp.OutputTokens += obj.OutputTokens
			default:
				c.logger.Debug("ignoring agent event", slog.String("type", obj.Type))
			}
			continue
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("reading agent stdout", slog.Any("error", err))
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
