package process

import (
	"context"
	"fmt"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"
)

// Exists reports whether a process with the given pid is alive.
func Exists(ctx context.Context, pid int) bool {
	ok, err := gops.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// KillTree terminates a process we did not spawn, children first, and kills
// whatever is still running after grace.
func KillTree(ctx context.Context, pid int, grace time.Duration) error {
	root, err := gops.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	tree := descendants(ctx, root)
	tree = append(tree, root)

	for _, p := range tree {
		_ = p.TerminateWithContext(ctx)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyRunning(ctx, tree) {
			return nil
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(100 * time.Millisecond):
		}
	}

	var lastErr error
	for _, p := range tree {
		if running, _ := p.IsRunningWithContext(ctx); !running {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			lastErr = fmt.Errorf("kill process %d: %w", p.Pid, err)
		}
	}
	return lastErr
}

func descendants(ctx context.Context, p *gops.Process) []*gops.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	var out []*gops.Process
	for _, c := range children {
		out = append(out, descendants(ctx, c)...)
		out = append(out, c)
	}
	return out
}

func anyRunning(ctx context.Context, procs []*gops.Process) bool {
	for _, p := range procs {
		if running, err := p.IsRunningWithContext(ctx); err == nil && running {
			return true
		}
	}
	return false
}
