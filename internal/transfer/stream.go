package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/protocol"
)

const ChunkSize = 64 * 1024

// ErrIncompleteTransfer means a file ended before its declared length.
var ErrIncompleteTransfer = fmt.Errorf("%w: incomplete transfer", protocol.ErrProtocol)

// FileMetadata describes one entry of a transferred tree.
type FileMetadata struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
	Dir    bool   `json:"dir,omitempty"`
}

// Item is one unit on a transfer channel: metadata, a chunk of the current
// file, or the end-of-stream marker.
type Item struct {
	Meta  *FileMetadata `json:"meta,omitempty"`
	Chunk []byte        `json:"chunk,omitempty"`
	Done  bool          `json:"done,omitempty"`
}

func MetaItem(m FileMetadata) Item { return Item{Meta: &m} }
func ChunkItem(b []byte) Item      { return Item{Chunk: b} }
func DoneItem() Item               { return Item{Done: true} }

// Send streams root into sink. A directory is sent entry by entry, a
// regular file as a single entry named after it. The end marker is always
// emitted, also when Send fails.
func Send(ctx context.Context, sink Sink, root string) (err error) {
	defer func() {
		if perr := sink.Put(ctx, DoneItem()); perr != nil && err == nil {
			err = perr
		}
	}()

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("cannot send %s: %w", root, err)
	}
	if !info.IsDir() {
		return sendFile(ctx, sink, root, filepath.Base(root), info.Size())
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("cannot send %s: %w", path, walkErr)
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			return sink.Put(ctx, MetaItem(FileMetadata{Path: rel, Dir: true}))
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("cannot send %s: %w", path, err)
		}
		return sendFile(ctx, sink, path, rel, info.Size())
	})
}

func sendFile(ctx context.Context, sink Sink, path, rel string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot send %s: %w", path, err)
	}
	defer f.Close()

	if err := sink.Put(ctx, MetaItem(FileMetadata{Path: rel, Length: size})); err != nil {
		return err
	}

	var sent int64
	buf := make([]byte, ChunkSize)
	for sent < size {
		n, err := f.Read(buf)
		if n > 0 {
			// never send past the declared length if the file grew
			if sent+int64(n) > size {
				n = int(size - sent)
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := sink.Put(ctx, ChunkItem(chunk)); err != nil {
				return err
			}
			sent += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}
	}
	return nil
}

// Receive writes a stream from src under dir until the end marker. Partial
// files are left in place on failure. Executable bits are fixed up
// afterwards on a best-effort basis.
func Receive(ctx context.Context, src Source, dir string, log zerolog.Logger) error {
	if err := receive(ctx, src, dir); err != nil {
		return fmt.Errorf("cannot download files to %s: %w", dir, err)
	}
	if err := FixPermissions(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("could not fix file permissions")
	}
	return nil
}

func receive(ctx context.Context, src Source, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for {
		item, err := src.Take(ctx)
		if err != nil {
			return err
		}
		switch {
		case item.Done:
			return nil
		case item.Meta == nil:
			return fmt.Errorf("%w: chunk without file metadata", protocol.ErrProtocol)
		}

		target, err := resolve(dir, item.Meta.Path)
		if err != nil {
			return err
		}
		if item.Meta.Dir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if err := receiveFile(ctx, src, target, item.Meta.Length); err != nil {
			return err
		}
	}
}

func receiveFile(ctx context.Context, src Source, target string, length int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer f.Close()

	var got int64
	for got < length {
		item, err := src.Take(ctx)
		if err != nil {
			return err
		}
		if item.Done || item.Meta != nil {
			return fmt.Errorf("%w: %s got %d of %d bytes", ErrIncompleteTransfer, target, got, length)
		}
		got += int64(len(item.Chunk))
		if got > length {
			return fmt.Errorf("%w: %s received %d bytes, declared %d", protocol.ErrProtocol, target, got, length)
		}
		if _, err := f.Write(item.Chunk); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
	}
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}

// resolve keeps rel inside dir.
func resolve(dir, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes %s", protocol.ErrProtocol, rel, dir)
	}
	return filepath.Join(dir, clean), nil
}
