package toolexec

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faradayfan/cluster-harness/internal/protocol"
)

func shRunner(t *testing.T, dir string, env map[string]string) Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	r, err := NewRunner(dir, []string{"/bin/sh", "-c"}, env)
	require.NoError(t, err)
	return r
}

func TestExecuteReturnsNonZeroExit(t *testing.T) {
	r := shRunner(t, "", nil)

	res, err := r.Execute(context.Background(), nil, []string{"echo out; echo err 1>&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitStatus)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "err")

	toolErr := res.Err("attach")
	require.Error(t, toolErr)
	assert.ErrorIs(t, toolErr, protocol.ErrToolFailed)
	var te *Error
	require.ErrorAs(t, toolErr, &te)
	assert.Equal(t, 3, te.ExitStatus)
	assert.Contains(t, te.Error(), "attach failed with exit code 3")
}

func TestExecuteMergesEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	r := shRunner(t, dir, map[string]string{"BASE": "b"})

	res, err := r.Execute(context.Background(), map[string]string{"EXTRA": "e"}, []string{`echo "$BASE-$EXTRA"; pwd`})
	require.NoError(t, err)
	require.Len(t, res.Output, 2)
	assert.Equal(t, "b-e", res.Output[0])
	assert.NoError(t, res.Err("noop"))
}

func TestExecuteIsFreshEachCall(t *testing.T) {
	r := shRunner(t, "", nil)
	for i := 0; i < 3; i++ {
		res, err := r.Execute(context.Background(), nil, []string{"echo once"})
		require.NoError(t, err)
		assert.Equal(t, []string{"once"}, res.Output)
	}
}

func TestExecuteMissingBinary(t *testing.T) {
	r, err := NewRunner("", []string{"/definitely/not/here"}, nil)
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = NewRunner("", nil, nil)
	assert.Error(t, err)
}

func TestExecuteHonoursContext(t *testing.T) {
	r := shRunner(t, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := r.Execute(ctx, nil, []string{"sleep 10"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
