package checks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"rmagent/internal/event"
	"rmagent/internal/jsoncodec"
)

// MaxScriptOutputBytes caps script stdout accepted for one run.
const MaxScriptOutputBytes = 64 * 1024

type cappedBuffer struct {
	buffer bytes.Buffer
	max    int
}

// Write appends data up to configured cap and silently drops the rest.
// Params: payload chunk bytes.
// Returns: consumed input size to keep writer contract for command pipes.
func (b *cappedBuffer) Write(payload []byte) (int, error) {
	if b.max <= 0 || b.buffer.Len() >= b.max {
		return len(payload), nil
	}

	remaining := b.max - b.buffer.Len()
	if len(payload) > remaining {
		_, _ = b.buffer.Write(payload[:remaining])
		return len(payload), nil
	}

	_, _ = b.buffer.Write(payload)
	return len(payload), nil
}

// Len returns buffered byte count.
func (b *cappedBuffer) Len() int {
	return b.buffer.Len()
}

// Bytes returns buffered bytes.
func (b *cappedBuffer) Bytes() []byte {
	return b.buffer.Bytes()
}

// String returns buffered text.
func (b *cappedBuffer) String() string {
	return b.buffer.String()
}

// scriptOutput is the JSON document a script prints on stdout.
type scriptOutput struct {
	State       string            `json:"state"`
	Description string            `json:"description"`
	Metric      *float64          `json:"metric"`
	TTL         int32             `json:"ttl"`
	Tags        []string          `json:"tags"`
	Attributes  map[string]string `json:"attributes"`
}

// ScriptCheck executes an external program and converts its JSON stdout into a tick result.
// Params: name check name; script path, args, timeout and extra environment.
// Returns: script check instance.
type ScriptCheck struct {
	name       string
	path       string
	args       []string
	timeout    time.Duration
	commandEnv []string
	thresholds Thresholds
}

// NewScriptCheck creates a script check.
// Params: name check name; path executable; args argv tail; timeout per run; env overrides; thresholds used when the script reports no state.
// Returns: configured script check.
func NewScriptCheck(
	name string,
	path string,
	args []string,
	timeout time.Duration,
	env map[string]string,
	thresholds Thresholds,
) *ScriptCheck {
	return &ScriptCheck{
		name:       name,
		path:       strings.TrimSpace(path),
		args:       append([]string(nil), args...),
		timeout:    timeout,
		commandEnv: mergeEnvironment(env),
		thresholds: thresholds,
	}
}

// Name returns the check name.
func (c *ScriptCheck) Name() string {
	return c.name
}

// Run executes the script and parses stdout.
// Params: ctx for cancellation.
// Returns: parsed result or execution/parse error.
func (c *ScriptCheck) Run(ctx context.Context) (event.TickResult, error) {
	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	command := exec.CommandContext(runCtx, c.path, c.args...)
	command.Env = c.commandEnv

	stdout := &cappedBuffer{max: MaxScriptOutputBytes + 1}
	stderr := &cappedBuffer{max: 8 * 1024}
	command.Stdout = stdout
	command.Stderr = stderr

	err := command.Run()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return event.TickResult{}, fmt.Errorf("script %q timed out after %s", c.path, c.timeout)
		}

		stderrText := strings.TrimSpace(stderr.String())
		if stderrText == "" {
			return event.TickResult{}, fmt.Errorf("run script %q: %w", c.path, err)
		}
		return event.TickResult{}, fmt.Errorf("run script %q: %w (stderr: %s)", c.path, err, stderrText)
	}

	if stdout.Len() > MaxScriptOutputBytes {
		return event.TickResult{}, fmt.Errorf("script %q stdout exceeds %d bytes", c.path, MaxScriptOutputBytes)
	}

	result, err := c.parse(stdout.Bytes())
	if err != nil {
		return event.TickResult{}, fmt.Errorf("parse script %q stdout: %w", c.path, err)
	}
	return result, nil
}

// parse decodes one script document and fills the state from thresholds when absent.
// Params: payload raw stdout bytes.
// Returns: tick result or contract error.
func (c *ScriptCheck) parse(payload []byte) (event.TickResult, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return event.TickResult{}, errors.New("empty output")
	}

	var out scriptOutput
	if err := jsoncodec.Unmarshal(payload, &out); err != nil {
		return event.TickResult{}, err
	}
	if out.TTL < 0 {
		return event.TickResult{}, fmt.Errorf("ttl must be >= 0, got %d", out.TTL)
	}

	result := event.TickResult{
		State:       strings.TrimSpace(out.State),
		Description: out.Description,
		TTL:         out.TTL,
		Tags:        out.Tags,
		Attributes:  out.Attributes,
	}
	if out.Metric != nil {
		result.Metric = *out.Metric
	}
	if result.State == "" {
		if out.Metric == nil {
			return event.TickResult{}, errors.New("either state or metric is required")
		}
		result.State = c.thresholds.State(result.Metric)
	}
	return result, nil
}

// mergeEnvironment builds command environment with overrides from config.
// Params: overrides key-value map.
// Returns: process environment slice.
func mergeEnvironment(overrides map[string]string) []string {
	out := make([]string, 0, len(os.Environ())+len(overrides))
	out = append(out, os.Environ()...)

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		out = append(out, key+"="+overrides[key])
	}

	return out
}
