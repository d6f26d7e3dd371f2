package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
}

func TestSupervisorWatchesOutput(t *testing.T) {
	requireShell(t)
	logPath := filepath.Join(t.TempDir(), "logs", "srv.log")

	sup := NewSupervisor(zerolog.Nop())
	p, err := sup.Start(Spec{
		Name:    "srv",
		Command: "/bin/sh",
		Args:    []string{"-c", `echo "Becoming State[ ACTIVE-COORDINATOR ]"; echo "blocked"; sleep 30`},
		LogPath: logPath,
		Watches: []Watch{
			{Pattern: regexp.MustCompile(`State\[ (\S+) \]`), Key: "state"},
			{Pattern: regexp.MustCompile(`^blocked$`), Key: "blocked", Value: "true"},
		},
		Stop: StopConfig{GracePeriod: 2 * time.Second},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return p.Value("state") == "ACTIVE-COORDINATOR" }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return p.Value("blocked") == "true" }, 5*time.Second, 20*time.Millisecond)
	assert.True(t, p.Alive())
	assert.Greater(t, p.PID(), 0)

	_, err = sup.Start(Spec{Name: "srv", Command: "/bin/sh", Args: []string{"-c", "true"}})
	assert.Error(t, err, "name is taken while running")

	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, p.Alive())

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "ACTIVE-COORDINATOR")
}

func TestProcExitIsObserved(t *testing.T) {
	requireShell(t)
	sup := NewSupervisor(zerolog.Nop())
	p, err := sup.Start(Spec{Name: "short", Command: "/bin/sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not reaped")
	}
	st := p.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 3, st.ExitCode)
	assert.NoError(t, p.Stop(context.Background()), "stopping an exited process is a no-op")
}

func TestStopKillsAfterGrace(t *testing.T) {
	requireShell(t)
	sup := NewSupervisor(zerolog.Nop())
	p, err := sup.Start(Spec{
		Name:    "stubborn",
		Command: "/bin/sh",
		Args:    []string{"-c", `trap "" TERM; while true; do sleep 1; done`},
		Stop:    StopConfig{GracePeriod: 300 * time.Millisecond},
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, p.Alive())
}

func TestStopAllAndList(t *testing.T) {
	requireShell(t)
	sup := NewSupervisor(zerolog.Nop())
	for _, name := range []string{"b", "a"} {
		_, err := sup.Start(Spec{Name: name, Command: "/bin/sh", Args: []string{"-c", "sleep 30"}, Stop: StopConfig{GracePeriod: time.Second}})
		require.NoError(t, err)
	}

	list := sup.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)

	require.NoError(t, sup.StopAll(context.Background()))
	for _, st := range sup.List() {
		assert.False(t, st.Running)
	}
}

func TestKillTree(t *testing.T) {
	requireShell(t)
	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	require.NoError(t, cmd.Start())
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()

	ctx := context.Background()
	assert.True(t, Exists(ctx, cmd.Process.Pid))
	require.NoError(t, KillTree(ctx, cmd.Process.Pid, 2*time.Second))

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("process survived KillTree")
	}
}
