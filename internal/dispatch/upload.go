package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/topology"
	"github.com/faradayfan/cluster-harness/internal/transfer"
)

type pushSink struct {
	d       Dispatcher
	host    string
	port    int
	channel string
}

func (s pushSink) Put(ctx context.Context, item transfer.Item) error {
	return s.d.Push(ctx, s.host, s.port, s.channel, item)
}

func remote(d Dispatcher, what string) (*Remote, error) {
	r, ok := d.(*Remote)
	if !ok {
		return nil, fmt.Errorf("%w: cannot %s", protocol.ErrNoFabric, what)
	}
	return r, nil
}

// UploadKit sends the kit at localDir to the agent's kit root as kitName.
func UploadKit(ctx context.Context, d Dispatcher, host string, port int, id topology.InstanceID, kitName, localDir string) error {
	if _, err := remote(d, "upload kit "+kitName); err != nil {
		return err
	}
	channel := "kit-" + uuid.NewString()
	return upload(ctx, d, host, port, protocol.ReceiveKit{InstanceID: id, KitName: kitName, Channel: channel}, channel, localDir)
}

// UploadClientJars sends a client's jars into subdir of the instance work
// dir on the agent.
func UploadClientJars(ctx context.Context, d Dispatcher, host string, port int, id topology.InstanceID, subdir, localDir string) error {
	if _, err := remote(d, "upload client jars"); err != nil {
		return err
	}
	channel := "jars-" + uuid.NewString()
	return upload(ctx, d, host, port, protocol.ReceiveFiles{InstanceID: id, Path: subdir, Channel: channel}, channel, localDir)
}

// UploadTree sends src to path on the agent. A relative path lands under the
// instance work dir.
func UploadTree(ctx context.Context, d Dispatcher, host string, port int, id topology.InstanceID, path, src string) error {
	if _, err := remote(d, "upload "+src); err != nil {
		return err
	}
	channel := "files-" + uuid.NewString()
	return upload(ctx, d, host, port, protocol.ReceiveFiles{InstanceID: id, Path: path, Channel: channel}, channel, src)
}

// upload starts the agent-side receive and streams src into it.
func upload(ctx context.Context, d Dispatcher, host string, port int, receive protocol.Command, channel, src string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return Run(gctx, d, host, port, receive)
	})
	g.Go(func() error {
		return transfer.Send(gctx, pushSink{d: d, host: host, port: port, channel: channel}, src)
	})
	return g.Wait()
}

// DownloadTree has the agent stream path back and writes it under dst.
func DownloadTree(ctx context.Context, d Dispatcher, host string, port int, path, dst string, log zerolog.Logger) error {
	r, err := remote(d, "stream "+path)
	if err != nil {
		return err
	}
	id, err := r.Hub.Resolve(host, port)
	if err != nil {
		return err
	}
	channel := "stream-" + uuid.NewString()
	defer r.Hub.RemoveQueue(id, channel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return Run(gctx, d, host, port, protocol.StreamFolder{Path: path, Channel: channel})
	})
	g.Go(func() error {
		return transfer.Receive(gctx, r.Hub.Queue(id, channel), dst, log)
	})
	return g.Wait()
}
