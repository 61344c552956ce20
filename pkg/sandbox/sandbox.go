package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cuemby/factorial/pkg/types"
)

// Result is what a unit's computation produced: the day frame it wrote
// to stdout as JSON, plus whatever it logged to stderr.
type Result struct {
	Frame *types.Frame
	Log   string
}

// Sandbox runs one unit task's code blob in isolation and returns its
// result frame. Implementations must be safe for concurrent use by
// multiple pool workers.
type Sandbox interface {
	Run(ctx context.Context, unit types.UnitTask, codeBlob []byte) (Result, error)
}

// ProcessSandbox runs each unit as a subprocess of interpreterPath,
// passing the unit's code blob as a script file and its args as
// environment variables. This is the default backend: no container
// runtime dependency, adequate isolation for trusted-operator clusters.
type ProcessSandbox struct {
	InterpreterPath string // e.g. "python3"
	WorkDir         string // scratch directory for script files
}

func NewProcessSandbox(interpreterPath, workDir string) *ProcessSandbox {
	return &ProcessSandbox{InterpreterPath: interpreterPath, WorkDir: workDir}
}

func (s *ProcessSandbox) Run(ctx context.Context, unit types.UnitTask, codeBlob []byte) (Result, error) {
	scriptPath := filepath.Join(s.WorkDir, fmt.Sprintf("unit-%s-%d.script", unit.Target, unit.SubID))
	if err := os.WriteFile(scriptPath, codeBlob, 0o700); err != nil {
		return Result{}, fmt.Errorf("write unit script: %w", err)
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, s.InterpreterPath, scriptPath)
	cmd.Env = append(os.Environ(), envFromArgs(unit)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{Log: stderr.String()}, fmt.Errorf("unit %s/%d: %w", unit.Target, unit.SubID, err)
	}

	var frame types.Frame
	if err := json.Unmarshal(stdout.Bytes(), &frame); err != nil {
		return Result{Log: stderr.String()}, fmt.Errorf("parse unit result: %w", err)
	}
	return Result{Frame: &frame, Log: stderr.String()}, nil
}

func envFromArgs(unit types.UnitTask) []string {
	env := make([]string, 0, len(unit.Args)+2)
	env = append(env, "FACTORIAL_TARGET="+unit.Target)
	env = append(env, fmt.Sprintf("FACTORIAL_SUB_ID=%d", unit.SubID))
	for k, v := range unit.Args {
		env = append(env, "FACTORIAL_ARG_"+k+"="+v)
	}
	return env
}
