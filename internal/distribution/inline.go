package distribution

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/faradayfan/cluster-harness/internal/topology"
)

// InlineRuntime boots a server inside the agent process.
type InlineRuntime interface {
	Start(ctx context.Context, kitDir, workDir string, argv []string) (InlineServer, error)
}

// InlineServer is one in-process server instance.
type InlineServer interface {
	// State is the server's own state name, e.g. "ACTIVE-COORDINATOR".
	State() string
	Blocked() bool
	Stopped() bool
	// Shutdown asks the server to stop.
	Shutdown() error
	// WaitUntilShutdown blocks until the server stops and reports whether
	// it asked to be restarted.
	WaitUntilShutdown() bool
}

// inlineServer restarts the runtime whenever the server requests it and
// stays alive until a shutdown that does not ask for a restart.
type inlineServer struct {
	rt      InlineRuntime
	kitDir  string
	workDir string
	argv    []string

	mu       sync.Mutex
	cur      InlineServer
	alive    bool
	stopping bool
	done     chan struct{}
}

func startInline(ctx context.Context, rt InlineRuntime, kitDir, workDir string, argv []string) (*inlineServer, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create inline server dir %q: %w", workDir, err)
	}
	srv, err := rt.Start(ctx, kitDir, workDir, argv)
	if err != nil {
		return nil, fmt.Errorf("start inline server: %w", err)
	}
	h := &inlineServer{
		rt:      rt,
		kitDir:  kitDir,
		workDir: workDir,
		argv:    argv,
		cur:     srv,
		alive:   true,
		done:    make(chan struct{}),
	}
	go h.supervise()
	return h, nil
}

func (h *inlineServer) supervise() {
	defer close(h.done)
	for {
		h.mu.Lock()
		cur := h.cur
		h.mu.Unlock()

		restart := cur.WaitUntilShutdown()

		h.mu.Lock()
		stopping := h.stopping
		h.mu.Unlock()
		if !restart || stopping {
			break
		}

		next, err := h.rt.Start(context.Background(), h.kitDir, h.workDir, h.argv)
		if err != nil {
			break
		}
		h.mu.Lock()
		stopping = h.stopping
		if !stopping {
			h.cur = next
		}
		h.mu.Unlock()
		if stopping {
			// Stop ran during the restart and only reached the old server
			_ = next.Shutdown()
			next.WaitUntilShutdown()
			break
		}
	}

	h.mu.Lock()
	h.alive = false
	h.mu.Unlock()
}

func (h *inlineServer) State() topology.ServerState {
	h.mu.Lock()
	cur, alive := h.cur, h.alive
	h.mu.Unlock()
	if !alive {
		return topology.ServerStopped
	}
	return MapServerState(cur.State(), cur.Blocked, cur.Stopped())
}

func (h *inlineServer) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// PID is the agent's own pid.
func (h *inlineServer) PID() int { return os.Getpid() }

func (h *inlineServer) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopping = true
	cur, alive := h.cur, h.alive
	h.mu.Unlock()
	if !alive {
		return nil
	}

	if err := cur.Shutdown(); err != nil {
		return fmt.Errorf("shutdown inline server: %w", err)
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("inline server did not shut down: %w", ctx.Err())
	}
}
