// Package checks implements the host checks the agent schedules as ticks.
package checks

import (
	"context"
	"fmt"
	"time"

	"rmagent/internal/config"
	"rmagent/internal/event"
)

// Event states produced by threshold evaluation.
const (
	StateOK       = "ok"
	StateWarning  = "warning"
	StateCritical = "critical"
)

// Check produces the current result of one host check.
// Params: context for cancellation and deadlines.
// Returns: tick result or check error.
type Check interface {
	Name() string
	Run(ctx context.Context) (event.TickResult, error)
}

// Thresholds maps a metric to a state; higher values are worse.
// Params: optional warning and critical bounds (inclusive).
// Returns: threshold evaluator.
type Thresholds struct {
	Warning  *float64
	Critical *float64
}

// State evaluates value against the bounds.
// Params: value current metric.
// Returns: critical, warning, or ok.
func (t Thresholds) State(value float64) string {
	switch {
	case t.Critical != nil && value >= *t.Critical:
		return StateCritical
	case t.Warning != nil && value >= *t.Warning:
		return StateWarning
	default:
		return StateOK
	}
}

// New builds the check described by one [[check]] section.
// Params: cfg validated check config.
// Returns: check or unsupported-kind error.
func New(cfg config.CheckConfig) (Check, error) {
	thresholds := Thresholds{Warning: cfg.Warning, Critical: cfg.Critical}

	switch cfg.Kind {
	case config.CheckCPU:
		return NewCPUCheck(cfg.Name, thresholds), nil
	case config.CheckRAM:
		return NewRAMCheck(cfg.Name, thresholds), nil
	case config.CheckSwap:
		return NewSwapCheck(cfg.Name, thresholds), nil
	case config.CheckLoad:
		return NewLoadCheck(cfg.Name, thresholds), nil
	case config.CheckScript:
		return NewScriptCheck(cfg.Name, cfg.Path, cfg.Args, cfg.Timeout.Duration, cfg.Env, thresholds), nil
	default:
		return nil, fmt.Errorf("check %q: unsupported kind %q", cfg.Name, cfg.Kind)
	}
}

// Decorate wraps a check so every result carries the configured tags, attributes and TTL.
// Params: check inner check; tags appended after result tags; attributes merged under result attributes; ttl explicit TTL (0 keeps the result TTL).
// Returns: decorated check.
func Decorate(check Check, tags []string, attributes map[string]string, ttl time.Duration) Check {
	if len(tags) == 0 && len(attributes) == 0 && ttl <= 0 {
		return check
	}
	return &decorated{inner: check, tags: tags, attributes: attributes, ttl: int32(ttl / time.Second)}
}

type decorated struct {
	inner      Check
	tags       []string
	attributes map[string]string
	ttl        int32
}

func (d *decorated) Name() string {
	return d.inner.Name()
}

func (d *decorated) Run(ctx context.Context) (event.TickResult, error) {
	result, err := d.inner.Run(ctx)
	if err != nil {
		return result, err
	}
	tags := make([]string, 0, len(result.Tags)+len(d.tags))
	result.Tags = append(append(tags, result.Tags...), d.tags...)
	if len(d.attributes) > 0 {
		merged := make(map[string]string, len(d.attributes)+len(result.Attributes))
		for key, value := range d.attributes {
			merged[key] = value
		}
		for key, value := range result.Attributes {
			merged[key] = value
		}
		result.Attributes = merged
	}
	if result.TTL == 0 {
		result.TTL = d.ttl
	}
	return result, nil
}
