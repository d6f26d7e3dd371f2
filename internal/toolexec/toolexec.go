package toolexec

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-cmd/cmd"

	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// Result is the outcome of one tool run. A non-zero ExitStatus is not an
// error at this layer.
type Result struct {
	ExitStatus int      `json:"exit_status"`
	Output     []string `json:"output"`
}

// Err converts a non-zero exit into a *Error for op.
func (r Result) Err(op string) error {
	if r.ExitStatus == 0 {
		return nil
	}
	return &Error{Op: op, ExitStatus: r.ExitStatus, Output: r.Output}
}

// Error is a tool run that exited non-zero.
type Error struct {
	Op         string
	ExitStatus int
	Output     []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed with exit code %d: %s", e.Op, e.ExitStatus, strings.Join(e.Output, "\n"))
}

func (e *Error) Unwrap() error { return protocol.ErrToolFailed }

// Runner launches a fixed command prefix. Every Execute is a fresh process
// run to completion.
type Runner struct {
	Dir     string
	Command string
	Args    []string
	Env     map[string]string
}

func NewRunner(dir string, argv []string, env map[string]string) (Runner, error) {
	if len(argv) == 0 {
		return Runner{}, fmt.Errorf("empty tool command")
	}
	return Runner{Dir: dir, Command: argv[0], Args: argv[1:], Env: env}, nil
}

// Execute runs the command with extra args appended and env merged over the
// runner's own environment. Combined stdout and stderr lines are returned.
func (r Runner) Execute(ctx context.Context, env map[string]string, args []string) (Result, error) {
	full := append(append([]string{}, r.Args...), args...)
	c := cmd.NewCmdOptions(cmd.Options{
		Buffered:       true,
		CombinedOutput: true,
	}, r.Command, full...)

	if r.Dir != "" {
		c.Dir = r.Dir
	}
	c.Env = mergeEnv(os.Environ(), r.Env, env)

	statusChan := c.Start()

	var status cmd.Status
	select {
	case status = <-statusChan:
	case <-ctx.Done():
		_ = c.Stop()
		status = <-statusChan
		return Result{}, fmt.Errorf("run %s: %w", r.Command, ctx.Err())
	}

	if status.Error != nil {
		return Result{}, fmt.Errorf("run %s: %w", r.Command, status.Error)
	}
	return Result{ExitStatus: status.Exit, Output: status.Stdout}, nil
}

func mergeEnv(base []string, layers ...map[string]string) []string {
	out := append([]string{}, base...)
	for _, layer := range layers {
		for k, v := range layer {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// ToolInstall is an installed command-line tool bound to its directories.
type ToolInstall struct {
	Kind         topology.ToolKind     `json:"kind"`
	Distribution topology.Distribution `json:"distribution"`
	KitDir       string                `json:"kit_dir"`
	WorkDir      string                `json:"work_dir"`
	LicensePath  string                `json:"license_path,omitempty"`
	Runner       Runner                `json:"-"`
}

func (t *ToolInstall) Execute(ctx context.Context, env map[string]string, args []string) (Result, error) {
	return t.Runner.Execute(ctx, env, args)
}
