// Package validate wraps external build/test execution as a pass/fail
// decision with structured diagnostics.
package validate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Diagnostic is one validation finding, attributed to a node when the
// output referenced a source location the graph knows about.
type Diagnostic struct {
	NodeID  string `json:"nodeId,omitempty"`
	Message string `json:"message"`
	Timeout bool   `json:"timeout,omitempty"`
}

// Result is the gate's decision.
type Result struct {
	Pass        bool
	Diagnostics []Diagnostic
}

// Gate runs build and test execution over a materialized change set.
type Gate interface {
	Validate(ctx context.Context) (*Result, error)
}

// NodeResolver maps a source path from tool output to the hex ids of
// the graph nodes defined there.
type NodeResolver func(path string) []string

// CommandGate runs a configured command and turns its outcome into a
// Result. A timeout is reported as a failing result with a Timeout
// diagnostic, never retried here; retry policy belongs to the session
// round budget.
type CommandGate struct {
	Command []string
	Dir     string
	Timeout time.Duration
	Resolve NodeResolver
}

// pathLineRe matches compiler/test-runner style "path/to/file.ext:12"
// references in output lines.
var pathLineRe = regexp.MustCompile(`([\w./-]+\.\w+):(\d+)`)

// Validate runs the command. A non-zero exit is a Fail with per-line
// diagnostics; command startup problems are returned as errors.
func (g *CommandGate) Validate(ctx context.Context) (*Result, error) {
	if len(g.Command) == 0 {
		return nil, errors.New("no validation command configured")
	}

	runCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, g.Command[0], g.Command[1:]...)
	cmd.Dir = g.Dir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return &Result{Pass: true}, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &Result{
			Pass: false,
			Diagnostics: []Diagnostic{{
				Message: fmt.Sprintf("validation timed out after %s", g.Timeout),
				Timeout: true,
			}},
		}, nil
	}
	if ctx.Err() != nil {
		// Cancelled from outside; the caller decides what to do with
		// the discarded run.
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("running validation command: %w", err)
	}

	return &Result{Pass: false, Diagnostics: g.parseDiagnostics(output.String())}, nil
}

func (g *CommandGate) parseDiagnostics(output string) []Diagnostic {
	var diags []Diagnostic
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		match := pathLineRe.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		d := Diagnostic{Message: line}
		if g.Resolve != nil {
			if ids := g.Resolve(match[1]); len(ids) > 0 {
				d.NodeID = ids[0]
			}
		}
		diags = append(diags, d)
	}
	if len(diags) == 0 {
		diags = append(diags, Diagnostic{Message: "validation command failed (no attributable diagnostics)"})
	}
	return diags
}

// Messages flattens diagnostics to strings for storage.
func Messages(diags []Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.Message)
	}
	return out
}
