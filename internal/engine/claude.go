package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kylegalloway/autopilot/internal/sanitize"
)

// maxStreamLine bounds a single stream-json event; tool results can be large.
const maxStreamLine = 4 * 1024 * 1024

// Claude invokes the claude CLI with streaming JSON output.
type Claude struct {
	// Binary is the executable name, "claude" when empty.
	Binary string
	// OnText receives sanitized assistant text as it streams, for display.
	OnText func(string)
	Log    *zap.Logger
}

// NewClaude creates a Claude engine.
func NewClaude(onText func(string), log *zap.Logger) *Claude {
	if log == nil {
		log = zap.NewNop()
	}
	return &Claude{Binary: "claude", OnText: onText, Log: log}
}

// Invoke runs one engine session. A timeout kills the process group and
// reports TimedOut on the Result rather than returning an error.
func (c *Claude) Invoke(ctx context.Context, req Request) (Result, error) {
	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	if req.CostCeilingUSD > 0 {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%.2f", req.CostCeilingUSD))
	}

	invCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		invCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(invCtx, binary, args...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group so spawned tools die with the agent.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", binary, err)
	}
	c.Log.Debug("engine started",
		zap.String("binary", binary),
		zap.String("model", req.Model),
		zap.Duration("timeout", req.Timeout),
		zap.Bool("resume", req.Resume != ""))

	res, scanErr := parseStream(stdout, c.OnText)

	waitErr := cmd.Wait()

	if errors.Is(invCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitStatus = -1
		c.Log.Warn("engine timed out", zap.Duration("after", time.Since(started)))
		return res, nil
	}

	if scanErr != nil {
		// A truncated stream loses the terminal result event; the session
		// must not pass for a clean zero-exit run.
		c.Log.Warn("engine stream truncated", zap.Error(scanErr))
		if res.ExitStatus == 0 {
			res.ExitStatus = 1
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitStatus = exitErr.ExitCode()
			c.Log.Warn("engine exited non-zero",
				zap.Int("exit_status", res.ExitStatus),
				zap.String("stderr", sanitize.Text(truncate(stderr.String(), 2000))))
			return res, nil
		}
		return res, fmt.Errorf("wait %s: %w", binary, waitErr)
	}

	return res, nil
}

// streamEvent is one line of claude --output-format stream-json.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	// Terminal result fields.
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	Usage        *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// parseStream consumes stream-json events. Only the terminal result event
// affects the returned Result; assistant text is forwarded for display.
// The error reports a scanner failure, such as an event exceeding
// maxStreamLine.
func parseStream(r io.Reader, onText func(string)) (Result, error) {
	var res Result

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Non-JSON noise on stdout; ignore.
			continue
		}

		switch ev.Type {
		case "system":
			if ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}
		case "assistant":
			if ev.Message == nil || onText == nil {
				continue
			}
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					onText(sanitize.Text(block.Text))
				}
			}
		case "result":
			res.Text = sanitize.Text(ev.Result)
			res.CostUSD = ev.TotalCostUSD
			res.NumTurns = ev.NumTurns
			if ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}
			if ev.Usage != nil {
				res.InputTokens = ev.Usage.InputTokens
				res.OutputTokens = ev.Usage.OutputTokens
			}
			if ev.IsError && res.ExitStatus == 0 {
				res.ExitStatus = 1
			}
		}
	}

	return res, scanner.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
