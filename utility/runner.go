/*
 * Copyright (c) 2024 the ubuntu-zfs-root authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package utility

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Anonymo/ubuntu-zfs-root/telemetry"
	"go.uber.org/zap"
)

// Runner executes external commands. Pipeline stages build *exec.Cmd values
// and hand them to a Runner so tests can intercept them without touching the
// system.
type Runner interface {
	// Run executes the command and discards its output beyond logging.
	Run(ctx context.Context, cmd *exec.Cmd) error
	// RunInput executes the command with input piped to stdin. The input is
	// never written to a file, which matters for passphrases and passwords.
	RunInput(ctx context.Context, cmd *exec.Cmd, input string) error
	// Output executes the command and returns its combined output.
	Output(ctx context.Context, cmd *exec.Cmd) ([]byte, error)
}

// ExecRunner runs commands on the host, appending every invocation and its
// combined output to the logger.
type ExecRunner struct {
	Log *zap.Logger
}

func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{Log: logger}
}

func (r *ExecRunner) Run(ctx context.Context, cmd *exec.Cmd) error {
	_, err := r.Output(ctx, cmd)
	return err
}

func (r *ExecRunner) RunInput(ctx context.Context, cmd *exec.Cmd, input string) error {
	cmd.Stdin = strings.NewReader(input)
	_, err := r.Output(ctx, cmd)
	return err
}

func (r *ExecRunner) Output(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("command %s not started: %w", cmd.Args[0], ctxErr)
	}

	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running command: %s", cmd.String()))
	defer span.End()

	r.Log.Info("exec", zap.String("command", cmd.String()))
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		r.Log.Info("output", zap.String("command", cmd.Args[0]), zap.ByteString("combined", output))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, fmt.Errorf("command %s: %w", cmd.Args[0], ctxErr)
		}
		return output, fmt.Errorf("non zero exit code exit code: %v, output: %s", err, string(output))
	}
	return output, nil
}

// Call records one command handed to a Recorder.
type Call struct {
	Args  []string
	Input string
}

// Recorder is a Runner for tests: it captures every command instead of
// executing it. Hook, when set, decides the outcome per command; otherwise
// every command succeeds with Outputs[argv0] as its output.
type Recorder struct {
	Calls   []Call
	Outputs map[string][]byte
	Hook    func(ctx context.Context, cmd *exec.Cmd) ([]byte, error)
}

func (r *Recorder) Run(ctx context.Context, cmd *exec.Cmd) error {
	_, err := r.record(ctx, cmd, "")
	return err
}

func (r *Recorder) RunInput(ctx context.Context, cmd *exec.Cmd, input string) error {
	_, err := r.record(ctx, cmd, input)
	return err
}

func (r *Recorder) Output(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {
	return r.record(ctx, cmd, "")
}

func (r *Recorder) record(ctx context.Context, cmd *exec.Cmd, input string) ([]byte, error) {
	r.Calls = append(r.Calls, Call{Args: cmd.Args, Input: input})
	if r.Hook != nil {
		return r.Hook(ctx, cmd)
	}
	if r.Outputs != nil {
		return r.Outputs[cmd.Args[0]], nil
	}
	return nil, nil
}

// CommandLines flattens recorded calls for substring assertions.
func (r *Recorder) CommandLines() []string {
	lines := make([]string, 0, len(r.Calls))
	for _, call := range r.Calls {
		lines = append(lines, strings.Join(call.Args, " "))
	}
	return lines
}
