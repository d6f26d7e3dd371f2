package harness

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/faradayfan/cluster-harness/internal/dispatch"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/transfer"
)

// RemoteFolder is a directory on an agent host.
type RemoteFolder struct {
	c    *Cluster
	host string
	path string
}

// RemoteFolder addresses path on host. Relative paths are resolved by the
// agent against its own working directory.
func (c *Cluster) RemoteFolder(host, path string) *RemoteFolder {
	return &RemoteFolder{c: c, host: host, path: path}
}

func (f *RemoteFolder) Host() string { return f.host }
func (f *RemoteFolder) Path() string { return f.path }

func (f *RemoteFolder) String() string { return f.host + ":" + f.path }

// Cd opens a subdirectory.
func (f *RemoteFolder) Cd(rel string) *RemoteFolder {
	return f.c.RemoteFolder(f.host, filepath.Join(f.path, rel))
}

func (f *RemoteFolder) port() int { return f.c.AgentPort(f.host) }

func (f *RemoteFolder) ListFiles(ctx context.Context) ([]string, error) {
	return dispatch.Execute[[]string](ctx, f.c.d, f.host, f.port(), protocol.ListFiles{Path: f.path})
}

func (f *RemoteFolder) ListFolders(ctx context.Context) ([]string, error) {
	return dispatch.Execute[[]string](ctx, f.c.d, f.host, f.port(), protocol.ListFolders{Path: f.path})
}

// WriteFile stores content as name inside the folder.
func (f *RemoteFolder) WriteFile(ctx context.Context, name string, content []byte) error {
	return dispatch.Run(ctx, f.c.d, f.host, f.port(), protocol.UploadFile{Path: filepath.Join(f.path, name), Content: content})
}

// ReadFile returns the content of name inside the folder.
func (f *RemoteFolder) ReadFile(ctx context.Context, name string) ([]byte, error) {
	return dispatch.Execute[[]byte](ctx, f.c.d, f.host, f.port(), protocol.DownloadFile{Path: filepath.Join(f.path, name)})
}

// Upload puts a local file or directory inside the folder under its base
// name.
func (f *RemoteFolder) Upload(ctx context.Context, local string) error {
	info, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("upload %s: %w", local, err)
	}
	if !info.IsDir() {
		if f.c.hub != nil {
			return dispatch.UploadTree(ctx, f.c.d, f.host, f.port(), "", f.path, local)
		}
		b, err := os.ReadFile(local)
		if err != nil {
			return fmt.Errorf("upload %s: %w", local, err)
		}
		return f.WriteFile(ctx, filepath.Base(local), b)
	}
	return f.Cd(filepath.Base(local)).UploadContents(ctx, local)
}

// UploadContents copies the tree under localDir into the folder. Over the
// fabric the tree is streamed in chunks, otherwise it goes file by file.
func (f *RemoteFolder) UploadContents(ctx context.Context, localDir string) error {
	if f.c.hub != nil {
		return dispatch.UploadTree(ctx, f.c.d, f.host, f.port(), "", f.path, localDir)
	}
	return filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return f.WriteFile(ctx, rel, b)
	})
}

// DownloadTo copies the folder into localDir. Over the fabric the folder is
// streamed in chunks; in-process the agent zips it in memory.
func (f *RemoteFolder) DownloadTo(ctx context.Context, localDir string) error {
	if f.c.hub != nil {
		return f.StreamTo(ctx, localDir)
	}
	zipped, err := dispatch.Execute[[]byte](ctx, f.c.d, f.host, f.port(), protocol.DownloadFolder{Path: f.path})
	if err != nil {
		return err
	}
	return transfer.Unzip(zipped, localDir)
}

// StreamTo copies the folder into localDir in chunks. It needs the fabric.
func (f *RemoteFolder) StreamTo(ctx context.Context, localDir string) error {
	return dispatch.DownloadTree(ctx, f.c.d, f.host, f.port(), f.path, localDir, f.c.log)
}
