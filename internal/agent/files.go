package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/transfer"
)

// within joins rel onto root and refuses anything that leaves root.
func within(root, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q must stay inside %s", rel, root)
	}
	return filepath.Join(root, clean), nil
}

// ReceiveKit consumes an uploaded kit into the kits root.
func (c *Controller) ReceiveKit(ctx context.Context, cmd protocol.ReceiveKit) error {
	dir, err := within(c.opts.KitsDir, cmd.KitName)
	if err != nil {
		return err
	}
	defer c.queues.Remove(c.queueKey(cmd.Channel))
	c.log.Info().Str("kit", cmd.KitName).Str("channel", cmd.Channel).Msg("receiving kit")
	return transfer.Receive(ctx, c.Queue(cmd.Channel), dir, c.log)
}

// ReceiveFiles consumes an upload into Path, relative paths landing under
// the instance work dir.
func (c *Controller) ReceiveFiles(ctx context.Context, cmd protocol.ReceiveFiles) error {
	dir := cmd.Path
	if !filepath.IsAbs(dir) {
		root, err := c.InstanceWorkDir(cmd.InstanceID)
		if err != nil {
			return err
		}
		if dir, err = within(root, cmd.Path); err != nil {
			return err
		}
	}
	defer c.queues.Remove(c.queueKey(cmd.Channel))
	return transfer.Receive(ctx, c.Queue(cmd.Channel), dir, c.log)
}

type pushSink struct {
	p       Pusher
	channel string
}

func (s pushSink) Put(ctx context.Context, item transfer.Item) error {
	return s.p.Push(ctx, s.channel, item)
}

// StreamFolder pushes a tree to the coordinator on cmd.Channel.
func (c *Controller) StreamFolder(ctx context.Context, cmd protocol.StreamFolder) error {
	c.mu.Lock()
	p := c.pusher
	c.mu.Unlock()
	if p == nil {
		return protocol.ErrNoFabric
	}
	return transfer.Send(ctx, pushSink{p: p, channel: cmd.Channel}, cmd.Path)
}

func (c *Controller) ListFiles(path string) ([]string, error) {
	return list(path, false)
}

func (c *Controller) ListFolders(path string) ([]string, error) {
	return list(path, true)
}

func list(path string, dirs bool) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out := []string{}
	for _, e := range entries {
		if e.IsDir() == dirs {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *Controller) DownloadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return b, nil
}

func (c *Controller) UploadFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

// DownloadFolder zips a tree in memory.
func (c *Controller) DownloadFolder(path string) ([]byte, error) {
	return transfer.ZipFolder(path)
}
