// Package fusefs implements the kernel-facing filesystem surface on the
// raw go-fuse API.
//
// The raw API is used, rather than go-fuse's managed-inode layer, because
// the vfs namespace owns inode numbers itself: every callback arrives with
// a numeric inode and is resolved against the namespace. Metadata
// operations are answered in place; reads cross the bridge to the async
// network side. The filesystem is permanently read-only - every mutation
// operation is answered with EROFS, not ENOSYS, so callers get a truthful
// "read-only file system" instead of "not implemented".
package fusefs

import (
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/neonfuz/rqbit-fuse-sub003/pkg/bridge"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/vfs"
)

// Options carries the filesystem's tunables.
type Options struct {
	// EntryTimeout and AttrTimeout bound how long the kernel may cache
	// lookups and attributes.
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	// BridgeTimeout bounds how long one read callback blocks waiting for
	// the async side.
	BridgeTimeout time.Duration

	// UID and GID stamp every entry; the mount is single-user.
	UID uint32
	GID uint32
}

func (o Options) withDefaults() Options {
	if o.EntryTimeout <= 0 {
		o.EntryTimeout = time.Second
	}
	if o.AttrTimeout <= 0 {
		o.AttrTimeout = time.Second
	}
	if o.BridgeTimeout <= 0 {
		o.BridgeTimeout = 30 * time.Second
	}
	return o
}

// FileSystem is the read-only raw filesystem. Operations not overridden
// here fall through to the embedded default and answer ENOSYS.
type FileSystem struct {
	fuse.RawFileSystem

	ns     *vfs.Namespace
	bridge *bridge.Bridge
	opts   Options

	mountedAt time.Time
	handleSeq uint64
	open      sync.Map // handle id -> vfs.InodeID
}

// New returns a filesystem serving the given namespace, reading through
// the given bridge.
func New(ns *vfs.Namespace, b *bridge.Bridge, opts Options) *FileSystem {
	return &FileSystem{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		ns:            ns,
		bridge:        b,
		opts:          opts.withDefaults(),
		mountedAt:     time.Now(),
	}
}

func (fs *FileSystem) String() string { return "rqfs" }

func (fs *FileSystem) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	e, ok := fs.ns.Child(vfs.InodeID(header.NodeId), name)
	if !ok {
		return fuse.ENOENT
	}
	fs.fillEntryOut(e, out)
	return fuse.OK
}

func (fs *FileSystem) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	e, ok := fs.ns.LookupIno(vfs.InodeID(input.NodeId))
	if !ok {
		return fuse.ENOENT
	}
	fs.fillAttr(e, &out.Attr)
	out.SetTimeout(fs.opts.AttrTimeout)
	return fuse.OK
}

func (fs *FileSystem) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	e, ok := fs.ns.LookupIno(vfs.InodeID(input.NodeId))
	if !ok {
		return fuse.ENOENT
	}
	if _, isFile := e.(*vfs.File); !isFile {
		return fuse.Status(syscall.EISDIR)
	}
	if wantsWrite(input.Flags) {
		return fuse.EROFS
	}
	fh := atomic.AddUint64(&fs.handleSeq, 1)
	fs.open.Store(fh, e.Ino())
	out.Fh = fh
	// Torrent content is immutable, the kernel page cache stays valid.
	out.OpenFlags = fuse.FOPEN_KEEP_CACHE
	return fuse.OK
}

func (fs *FileSystem) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	rep, err := fs.bridge.Submit(bridge.Request{
		Kind:   bridge.OpRead,
		Ino:    vfs.InodeID(input.NodeId),
		Offset: int64(input.Offset),
		Size:   int(input.Size),
	}, fs.opts.BridgeTimeout)
	if err != nil {
		return nil, toStatus(err)
	}
	return fuse.ReadResultData(rep.Data), fuse.OK
}

func (fs *FileSystem) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	fs.open.Delete(input.Fh)
}

func (fs *FileSystem) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	e, ok := fs.ns.LookupIno(vfs.InodeID(input.NodeId))
	if !ok {
		return fuse.ENOENT
	}
	if _, isDir := e.(*vfs.Dir); !isDir {
		return fuse.ENOTDIR
	}
	return fuse.OK
}

func (fs *FileSystem) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, status := fs.dirEntries(vfs.InodeID(input.NodeId))
	if status != fuse.OK {
		return status
	}
	for i := int(input.Offset); i < len(entries); i++ {
		if !out.AddDirEntry(entries[i]) {
			break
		}
	}
	return fuse.OK
}

func (fs *FileSystem) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, status := fs.dirEntries(vfs.InodeID(input.NodeId))
	if status != fuse.OK {
		return status
	}
	for i := int(input.Offset); i < len(entries); i++ {
		entryOut := out.AddDirLookupEntry(entries[i])
		if entryOut == nil {
			break
		}
		if e, ok := fs.ns.LookupIno(vfs.InodeID(entries[i].Ino)); ok {
			fs.fillEntryOut(e, entryOut)
		}
	}
	return fuse.OK
}

func (fs *FileSystem) ReleaseDir(input *fuse.ReleaseIn) {}

func (fs *FileSystem) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	e, ok := fs.ns.LookupIno(vfs.InodeID(header.NodeId))
	if !ok {
		return nil, fuse.ENOENT
	}
	l, isLink := e.(*vfs.Symlink)
	if !isLink {
		return nil, fuse.EINVAL
	}
	return []byte(l.Target), fuse.OK
}

func (fs *FileSystem) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	const wOK = 0x2
	if input.Mask&wOK != 0 {
		return fuse.EROFS
	}
	if _, ok := fs.ns.LookupIno(vfs.InodeID(input.NodeId)); !ok {
		return fuse.ENOENT
	}
	return fuse.OK
}

func (fs *FileSystem) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	out.Bsize = 4096
	out.NameLen = 255
	return fuse.OK
}

// Write-family operations: a read-only filesystem answers all of them
// with EROFS.

func (fs *FileSystem) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	return 0, fuse.EROFS
}

func (fs *FileSystem) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) Fallocate(cancel <-chan struct{}, input *fuse.FallocateIn) fuse.Status {
	return fuse.EROFS
}

func (fs *FileSystem) CopyFileRange(cancel <-chan struct{}, input *fuse.CopyFileRangeIn) (uint32, fuse.Status) {
	return 0, fuse.EROFS
}

// dirEntries builds the sorted listing of one directory. Sorting keeps
// the kernel's resume offsets stable across calls.
func (fs *FileSystem) dirEntries(ino vfs.InodeID) ([]fuse.DirEntry, fuse.Status) {
	children, ok := fs.ns.Children(ino)
	if !ok {
		if _, exists := fs.ns.LookupIno(ino); exists {
			return nil, fuse.ENOTDIR
		}
		return nil, fuse.ENOENT
	}

	entries := make([]fuse.DirEntry, 0, len(children))
	for _, child := range children {
		e, ok := fs.ns.LookupIno(child)
		if !ok {
			continue // removal in flight
		}
		entries = append(entries, fuse.DirEntry{
			Name: e.Name(),
			Ino:  uint64(e.Ino()),
			Mode: modeOf(e),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, fuse.OK
}

func (fs *FileSystem) fillEntryOut(e vfs.Entry, out *fuse.EntryOut) {
	out.NodeId = uint64(e.Ino())
	out.Generation = 0
	fs.fillAttr(e, &out.Attr)
	out.SetEntryTimeout(fs.opts.EntryTimeout)
	out.SetAttrTimeout(fs.opts.AttrTimeout)
}

func (fs *FileSystem) fillAttr(e vfs.Entry, a *fuse.Attr) {
	a.Ino = uint64(e.Ino())
	a.Owner = fuse.Owner{Uid: fs.opts.UID, Gid: fs.opts.GID}
	a.Blksize = 4096

	mounted := uint64(fs.mountedAt.Unix())
	a.Atime, a.Mtime, a.Ctime = mounted, mounted, mounted

	switch t := e.(type) {
	case *vfs.Dir:
		a.Mode = syscall.S_IFDIR | 0o555
		a.Nlink = 2
	case *vfs.File:
		a.Mode = syscall.S_IFREG | 0o444
		a.Nlink = 1
		a.Size = uint64(t.Size)
		a.Blocks = (a.Size + 511) / 512
	case *vfs.Symlink:
		a.Mode = syscall.S_IFLNK | 0o777
		a.Nlink = 1
		a.Size = uint64(len(t.Target))
	}
}

func modeOf(e vfs.Entry) uint32 {
	switch e.(type) {
	case *vfs.Dir:
		return syscall.S_IFDIR
	case *vfs.Symlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

// wantsWrite reports whether open flags request any form of write access.
func wantsWrite(flags uint32) bool {
	if flags&uint32(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return true
	}
	return flags&uint32(syscall.O_APPEND|syscall.O_TRUNC) != 0
}
