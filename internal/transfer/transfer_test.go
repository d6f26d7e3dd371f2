package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faradayfan/cluster-harness/internal/protocol"
)

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, content, 0o644))
	}
}

func readTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	require.NoError(t, filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		b, err := os.ReadFile(path)
		out[filepath.ToSlash(rel)] = b
		return err
	}))
	return out
}

func sampleTree() map[string][]byte {
	return map[string][]byte{
		"a.txt":              []byte("hello"),
		"empty":              {},
		"bin/start.sh":       []byte("#!/bin/sh\necho hi\n"),
		"lib/big.bin":        bytes.Repeat([]byte{7}, 3*ChunkSize+17),
		"lib/nested/tms.jar": []byte("jar"),
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := sampleTree()
	writeTree(t, src, files)
	require.NoError(t, os.MkdirAll(filepath.Join(src, "emptydir"), 0o755))

	q := NewQueue()
	ctx := context.Background()
	require.NoError(t, Send(ctx, q, src))

	dst := t.TempDir()
	require.NoError(t, Receive(ctx, q, dst, zerolog.Nop()))
	assert.Equal(t, files, readTree(t, dst))
	assert.DirExists(t, filepath.Join(dst, "emptydir"))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dst, "bin", "start.sh"))
		require.NoError(t, err)
		assert.NotZero(t, info.Mode().Perm()&0o100)
		info, err = os.Stat(filepath.Join(dst, "lib", "nested", "tms.jar"))
		require.NoError(t, err)
		assert.NotZero(t, info.Mode().Perm()&0o100)
		info, err = os.Stat(filepath.Join(dst, "a.txt"))
		require.NoError(t, err)
		assert.Zero(t, info.Mode().Perm()&0o100)
	}
}

func TestSendSingleFile(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"one.txt": []byte("1")})

	q := NewQueue()
	require.NoError(t, Send(context.Background(), q, filepath.Join(src, "one.txt")))

	dst := t.TempDir()
	require.NoError(t, Receive(context.Background(), q, dst, zerolog.Nop()))
	assert.Equal(t, map[string][]byte{"one.txt": []byte("1")}, readTree(t, dst))
}

func TestSendAlwaysEmitsDone(t *testing.T) {
	q := NewQueue()
	err := Send(context.Background(), q, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	item, err := q.Take(context.Background())
	require.NoError(t, err)
	assert.True(t, item.Done)
}

func TestTruncatedStreamIsIncomplete(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	_ = q.Put(ctx, MetaItem(FileMetadata{Path: "f.bin", Length: 10}))
	_ = q.Put(ctx, ChunkItem([]byte("12345")))
	_ = q.Put(ctx, DoneItem())

	err := Receive(ctx, q, t.TempDir(), zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompleteTransfer)
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestOverrunIsProtocolError(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	_ = q.Put(ctx, MetaItem(FileMetadata{Path: "f.bin", Length: 3}))
	_ = q.Put(ctx, ChunkItem([]byte("12345")))
	_ = q.Put(ctx, DoneItem())

	dst := t.TempDir()
	err := Receive(ctx, q, dst, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrProtocol)
	assert.NotErrorIs(t, err, ErrIncompleteTransfer)
	assert.Contains(t, err.Error(), dst)
}

func TestReceiveRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	for _, p := range []string{"../evil", "/etc/passwd", "a/../../b", ""} {
		q := NewQueue()
		_ = q.Put(ctx, MetaItem(FileMetadata{Path: p, Dir: true}))
		_ = q.Put(ctx, DoneItem())
		err := Receive(ctx, q, t.TempDir(), zerolog.Nop())
		assert.ErrorIs(t, err, protocol.ErrProtocol, p)
	}
}

func TestQueueTakeBlocksUntilPut(t *testing.T) {
	q := NewQueue()
	got := make(chan Item, 1)
	go func() {
		item, _ := q.Take(context.Background())
		got <- item
	}()

	select {
	case <-got:
		t.Fatal("Take returned before Put")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, q.Put(context.Background(), ChunkItem([]byte("x"))))
	select {
	case item := <-got:
		assert.Equal(t, []byte("x"), item.Chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("Take never returned")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueuesAreKeyed(t *testing.T) {
	qs := NewQueues()
	a := qs.Get(Key{Node: "n1", Channel: "c"})
	assert.Same(t, a, qs.Get(Key{Node: "n1", Channel: "c"}))
	assert.NotSame(t, a, qs.Get(Key{Node: "n2", Channel: "c"}))
	qs.Remove(Key{Node: "n1", Channel: "c"})
	assert.NotSame(t, a, qs.Get(Key{Node: "n1", Channel: "c"}))
}

func TestDeliverDropsItemsForRemovedChannels(t *testing.T) {
	ctx := context.Background()
	qs := NewQueues()
	key := Key{Node: "n1", Channel: "up"}

	ok, err := qs.Deliver(ctx, key, Item{Done: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, qs.Get(key).Len())

	qs.Remove(key)
	ok, err = qs.Deliver(ctx, key, Item{Done: true})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, qs.Len())
}

func TestZipRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := sampleTree()
	writeTree(t, src, files)
	mtime := time.Date(2020, 5, 17, 10, 30, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "a.txt"), mtime, mtime))

	data, err := ZipFolder(src)
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, Unzip(data, dst))
	assert.Equal(t, files, readTree(t, dst))

	info, err := os.Stat(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.WithinDuration(t, mtime, info.ModTime(), 2*time.Second)
}

func TestUploadThenZipDownloadPreservesTree(t *testing.T) {
	src := t.TempDir()
	files := sampleTree()
	writeTree(t, src, files)

	q := NewQueue()
	require.NoError(t, Send(context.Background(), q, src))
	remote := t.TempDir()
	require.NoError(t, Receive(context.Background(), q, remote, zerolog.Nop()))

	data, err := ZipFolder(remote)
	require.NoError(t, err)
	back := t.TempDir()
	require.NoError(t, Unzip(data, back))
	assert.Equal(t, files, readTree(t, back))
}
