// Command rqfs mounts a read-only FUSE filesystem exposing the torrents
// managed by a local rqbit daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/golang/glog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/neonfuz/rqbit-fuse-sub003/pkg/bridge"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/config"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/daemon"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/discover"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/fusefs"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/metacache"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/stream"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/vfs"
)

func init() {
	// change glog default destination to stderr
	if glog.V(0) { // should always be true, mention glog so it defines its flags before we change them
		if err := flag.CommandLine.Set("logtostderr", "true"); nil != err {
			log.Printf("Failed changing glog default destination, err: %s", err)
		}
	}
}

// rangeOpener adapts the daemon client's concrete stream type to the
// manager's Source interface.
type rangeOpener struct {
	c *daemon.Client
}

func (o rangeOpener) OpenRange(ctx context.Context, ih metainfo.Hash, fileIndex int, start int64) (stream.Source, error) {
	return o.c.OpenRange(ctx, ih, fileIndex, start)
}

func main() {
	var (
		cfgPath   string
		daemonURL string
	)
	pflag.StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")
	pflag.StringVar(&daemonURL, "daemon-url", "", "rqbit daemon base URL, overrides config")
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, `
Mount the torrents of an rqbit daemon as a read-only filesystem.

Usage:

 %s [options] <mount-point>

Options:

`, os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Bad configuration: %+v", err)
	}
	if daemonURL != "" {
		cfg.DaemonURL = daemonURL
	}
	switch pflag.NArg() {
	case 1:
		cfg.Mountpoint = pflag.Arg(0)
	case 0:
		if cfg.Mountpoint == "" {
			pflag.Usage()
			os.Exit(1)
		}
	default:
		pflag.Usage()
		os.Exit(1)
	}

	mountpoint, err := fusefs.PrepareMountpoint(cfg.Mountpoint)
	if err != nil {
		log.Fatalf("Bad mountpoint: %+v", err)
	}

	client, err := daemon.NewClient(cfg.DaemonURL)
	if err != nil {
		log.Fatalf("Bad daemon URL [%s]: %+v", cfg.DaemonURL, err)
	}
	meta := metacache.New(client, cfg.MetadataTTL)

	ns := vfs.NewNamespace()
	streams := stream.NewManager(rangeOpener{client}, stream.Config{
		ChunkSize:            cfg.ChunkSize,
		ForwardSeekThreshold: cfg.ForwardSeekThreshold,
		IdleTimeout:          cfg.IdleStreamTimeout,
	})
	br := bridge.New(ns, streams, meta, cfg.BridgeQueueSize, cfg.BridgeWorkers)
	poller := discover.New(meta, ns, cfg.PollInterval)

	fsys := fusefs.New(ns, br, fusefs.Options{
		EntryTimeout:  cfg.EntryTimeout,
		AttrTimeout:   cfg.AttrTimeout,
		BridgeTimeout: cfg.BridgeTimeout,
		UID:           uint32(os.Getuid()),
		GID:           uint32(os.Getgid()),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The first sync runs before mounting so the tree is populated the
	// moment the mount shows up.
	if err := poller.Sync(ctx); err != nil {
		glog.Warningf("Daemon not reachable yet, mounting empty: %+v", err)
	}

	srv, err := fusefs.Mount(fsys, mountpoint, cfg.AllowOther)
	if err != nil {
		log.Fatalf("Mount failed: %+v", err)
	}
	fmt.Fprintf(os.Stderr, "Mounted %s at %s\n", cfg.DaemonURL, mountpoint)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return streams.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		// Unmount kicks srv.Serve out of its kernel read loop.
		if err := srv.Unmount(); err != nil {
			glog.Warningf("Unmounting [%s]: %+v", mountpoint, err)
			_ = fusefs.Unmount(mountpoint)
		}
		return nil
	})

	srv.Wait()
	stop()
	if err := g.Wait(); err != nil {
		glog.Errorf("Shutdown: %+v", err)
	}
	br.Close()
	streams.Close()
	glog.V(1).Infof("Unmounted [%s]", mountpoint)
}
