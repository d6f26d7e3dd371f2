package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const defaultGrace = 10 * time.Second

// Start spawns spec and returns its handle. A name may be reused once its
// previous process exited.
func (s *Supervisor) Start(spec Spec) (*Proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.procs[spec.Name]; ok && p.Alive() {
		return nil, fmt.Errorf("%s already running (pid=%d)", spec.Name, p.PID())
	}

	p, err := spawn(spec, s.log.With().Str("proc", spec.Name).Logger())
	if err != nil {
		return nil, err
	}
	s.procs[spec.Name] = p
	return p, nil
}

func (s *Supervisor) Get(name string) (*Proc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	return p, ok
}

func (s *Supervisor) List() []Status {
	s.mu.Lock()
	procs := make([]*Proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopAll stops every live process and reports each failure.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	procs := make([]*Proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", p.spec.Name, err))
		}
	}
	return errors.Join(errs...)
}

func spawn(spec Spec, log zerolog.Logger) (*Proc, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%s: empty command", spec.Name)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Put the process into its own process group (Unix)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile io.WriteCloser = nopCloser{io.Discard}
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir for %s: %w", spec.Name, err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log %q: %w", spec.LogPath, err)
		}
		logFile = f
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("output pipe for %s: %w", spec.Name, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	// the child holds its own copy
	_ = pw.Close()

	p := &Proc{
		spec: spec,
		cmd:  cmd,
		log:  log,
		status: Status{
			Name:      spec.Name,
			Running:   true,
			PID:       cmd.Process.Pid,
			StartedAt: time.Now(),
			LogPath:   spec.LogPath,
		},
		values: map[string]string{},
		done:   make(chan struct{}),
	}
	log.Debug().Int("pid", p.status.PID).Str("cmd", spec.Command).Strs("args", spec.Args).Msg("spawned")

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		p.scan(pr, logFile)
	}()

	// Reap process asynchronously
	go func() {
		err := cmd.Wait()
		exitCode := 0
		if err != nil {
			// best-effort exit code extraction
			if ee := new(exec.ExitError); errors.As(err, &ee) {
				if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
					exitCode = ws.ExitStatus()
				} else {
					exitCode = 1
				}
			} else {
				exitCode = 1
			}
		}

		// grandchildren may keep the pipe open; do not wait on them forever
		select {
		case <-scanned:
		case <-time.After(2 * time.Second):
		}

		p.mu.Lock()
		p.status.Running = false
		p.status.ExitedAt = time.Now()
		p.status.ExitCode = exitCode
		if err != nil {
			p.status.LastError = err.Error()
		}
		p.mu.Unlock()

		log.Debug().Int("exit_code", exitCode).Msg("exited")
		close(p.done)
	}()

	return p, nil
}

func (p *Proc) scan(r io.ReadCloser, logFile io.WriteCloser) {
	defer r.Close()
	defer logFile.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		_, _ = io.WriteString(logFile, line+"\n")
		p.match(line)
	}
}

func (p *Proc) match(line string) {
	for _, w := range p.spec.Watches {
		m := w.Pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v := w.Value
		if v == "" && len(m) > 1 {
			v = m[1]
		}
		p.mu.Lock()
		p.values[w.Key] = v
		p.mu.Unlock()
	}
}

// Value returns the last value a watch recorded under key.
func (p *Proc) Value(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key]
}

func (p *Proc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.Running
}

func (p *Proc) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

func (p *Proc) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Done is closed once the process has been reaped.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Stop asks the process group to exit, then kills it once the grace period
// or ctx runs out. It returns after the process was reaped.
func (p *Proc) Stop(ctx context.Context) error {
	if !p.Alive() {
		return nil
	}

	stopCfg := p.spec.Stop
	pid := p.PID()

	if stopCfg.Signal == 0 {
		stopCfg.Signal = syscall.SIGTERM
	}
	// kill process group: negative PID
	_ = syscall.Kill(-pid, stopCfg.Signal)

	grace := stopCfg.GracePeriod
	if grace == 0 {
		grace = defaultGrace
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.log.Warn().Int("pid", pid).Msg("graceful stop timed out, killing process group")
	_ = syscall.Kill(-pid, syscall.SIGKILL)

	select {
	case <-p.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%s (pid=%d) did not exit after SIGKILL", p.spec.Name, pid)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
