// Package discover keeps the inode namespace in sync with the daemon's
// torrent list.
//
// The poller periodically diffs the listing against the namespace's
// torrent index: a new torrent materializes a directory tree (nested
// directories from the daemon's path components, file leaves, and a
// by-hash symlink pointing at the torrent directory); a vanished torrent
// is removed recursively, symlink included.
package discover

import (
	"context"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/neonfuz/rqbit-fuse-sub003/pkg/daemon"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/vfs"
)

// ByHashDirName is the root-level directory of info-hash symlinks.
const ByHashDirName = "by-hash"

// Client is the daemon surface the poller needs; the metadata cache
// satisfies it.
type Client interface {
	List(ctx context.Context) ([]daemon.Summary, error)
	Details(ctx context.Context, ih metainfo.Hash) (*daemon.Torrent, error)
}

// Poller drives the namespace from the daemon's torrent list.
type Poller struct {
	client   Client
	ns       *vfs.Namespace
	interval time.Duration

	byHashIno vfs.InodeID
	links     map[metainfo.Hash]vfs.InodeID
}

// New returns a poller and eagerly creates the by-hash directory.
func New(client Client, ns *vfs.Namespace, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		client:    client,
		ns:        ns,
		interval:  interval,
		byHashIno: ns.Allocate(vfs.NewDir(ByHashDirName, vfs.RootInodeID)),
		links:     make(map[metainfo.Hash]vfs.InodeID),
	}
}

// Run syncs once immediately, then on every tick until the context is
// done. Sync failures are logged and retried on the next tick rather
// than tearing the mount down.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Sync(ctx); err != nil {
		glog.Warningf("Initial torrent discovery failed: %+v", err)
	}
	tick := time.NewTicker(p.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := p.Sync(ctx); err != nil {
				glog.Warningf("Torrent discovery failed: %+v", err)
			}
		}
	}
}

// Sync performs one listing diff against the namespace.
func (p *Poller) Sync(ctx context.Context) error {
	sums, err := p.client.List(ctx)
	if err != nil {
		return errors.Wrap(err, "listing torrents")
	}

	seen := make(map[metainfo.Hash]bool, len(sums))
	for _, sum := range sums {
		seen[sum.InfoHash] = true
		if _, known := p.ns.LookupTorrent(sum.InfoHash); known {
			continue
		}
		if err := p.addTorrent(ctx, sum); err != nil {
			glog.Warningf("Skipping torrent %s this round: %+v", sum.InfoHash.HexString(), err)
		}
	}

	for _, ih := range p.ns.Torrents() {
		if seen[ih] {
			continue
		}
		p.removeTorrent(ih)
	}
	return nil
}

func (p *Poller) addTorrent(ctx context.Context, sum daemon.Summary) error {
	det, err := p.client.Details(ctx, sum.InfoHash)
	if err != nil {
		return errors.Wrapf(err, "fetching details of %s", sum.InfoHash.HexString())
	}

	name := p.dirName(det.Name, sum.InfoHash)
	rootIno := p.ns.Allocate(vfs.NewTorrentDir(name, vfs.RootInodeID, sum.InfoHash))

	for i, f := range det.Files {
		if !f.Included {
			continue
		}
		parent := rootIno
		comps := f.Components
		if len(comps) == 0 {
			comps = []string{f.Name}
		}
		for _, dir := range comps[:len(comps)-1] {
			parent = p.ensureDir(parent, sanitizeComponent(dir))
		}
		leaf := sanitizeComponent(comps[len(comps)-1])
		p.ns.Allocate(vfs.NewFile(leaf, parent, sum.InfoHash, i, f.Length))
	}

	linkIno := p.ns.Allocate(vfs.NewSymlink(sum.InfoHash.HexString(), p.byHashIno, "../"+name))
	p.links[sum.InfoHash] = linkIno

	glog.V(1).Infof("Discovered torrent [%s] as [%s] with %d files", sum.InfoHash.HexString(), name, len(det.Files))
	return nil
}

func (p *Poller) removeTorrent(ih metainfo.Hash) {
	if linkIno, ok := p.links[ih]; ok {
		p.ns.Remove(linkIno)
		delete(p.links, ih)
	}
	if e, ok := p.ns.LookupTorrent(ih); ok {
		p.ns.Remove(e.Ino())
	}
	glog.V(1).Infof("Removed vanished torrent [%s]", ih.HexString())
}

// ensureDir returns the inode of the named child directory, allocating it
// on first sight.
func (p *Poller) ensureDir(parent vfs.InodeID, name string) vfs.InodeID {
	if e, ok := p.ns.Child(parent, name); ok {
		if _, isDir := e.(*vfs.Dir); isDir {
			return e.Ino()
		}
	}
	return p.ns.Allocate(vfs.NewDir(name, parent))
}

// dirName derives the torrent's root directory name, deduplicating name
// collisions with a short hash suffix.
func (p *Poller) dirName(name string, ih metainfo.Hash) string {
	name = sanitizeComponent(name)
	if name == "" {
		return ih.HexString()
	}
	if _, taken := p.ns.LookupPath("/" + name); taken {
		return name + "." + ih.HexString()[:8]
	}
	return name
}

// sanitizeComponent makes a daemon-supplied name safe as a single path
// component.
func sanitizeComponent(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	if name == "." || name == ".." {
		return "_" + name
	}
	return name
}
