package process

import (
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// StopConfig is how a process group is asked to exit.
type StopConfig struct {
	Signal      syscall.Signal // SIGTERM when zero
	GracePeriod time.Duration  // how long before SIGKILL
}

// Watch records Value under Key whenever an output line matches Pattern.
// An empty Value records the first submatch instead.
type Watch struct {
	Pattern *regexp.Regexp
	Key     string
	Value   string
}

type Spec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	LogPath string
	Watches []Watch
	Stop    StopConfig
}

type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	LastError string    `json:"last_error,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
}

// Proc is one supervised process.
type Proc struct {
	spec Spec
	cmd  *exec.Cmd
	log  zerolog.Logger

	mu     sync.Mutex
	status Status
	values map[string]string

	done chan struct{}
}

// Supervisor tracks every process it spawned so they can be listed and
// stopped together.
type Supervisor struct {
	log zerolog.Logger

	mu    sync.Mutex
	procs map[string]*Proc
}

func NewSupervisor(log zerolog.Logger) *Supervisor {
	return &Supervisor{
		log:   log,
		procs: map[string]*Proc{},
	}
}
