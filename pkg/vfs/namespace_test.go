package vfs

import (
	"fmt"
	"sync"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
)

func testHash(b byte) metainfo.Hash {
	var ih metainfo.Hash
	for i := range ih {
		ih[i] = b
	}
	return ih
}

func TestNamespaceRoot(t *testing.T) {
	ns := NewNamespace()

	root, ok := ns.LookupIno(RootInodeID)
	if !ok {
		t.Fatal("root inode missing")
	}
	if _, isDir := root.(*Dir); !isDir {
		t.Fatalf("root is %T, want *Dir", root)
	}
	if e, ok := ns.LookupPath("/"); !ok || e.Ino() != RootInodeID {
		t.Fatal("path index does not resolve / to the root")
	}
}

func TestAllocateAndLookups(t *testing.T) {
	ns := NewNamespace()
	ih := testHash(0xaa)

	dirIno := ns.Allocate(NewTorrentDir("ubuntu", RootInodeID, ih))
	fileIno := ns.Allocate(NewFile("ubuntu.iso", dirIno, ih, 0, 4096))

	if dirIno == RootInodeID || fileIno == dirIno {
		t.Fatalf("inode numbers not unique: %d %d", dirIno, fileIno)
	}

	e, ok := ns.LookupPath("/ubuntu/ubuntu.iso")
	if !ok {
		t.Fatal("file not resolvable by path")
	}
	f, isFile := e.(*File)
	if !isFile {
		t.Fatalf("path resolved to %T, want *File", e)
	}
	if f.Size != 4096 || f.FileIndex != 0 || f.Torrent != ih {
		t.Fatalf("file fields wrong: %+v", f)
	}

	if e, ok := ns.LookupTorrent(ih); !ok || e.Ino() != dirIno {
		t.Fatal("torrent index does not resolve to the torrent root dir")
	}

	if e, ok := ns.Child(dirIno, "ubuntu.iso"); !ok || e.Ino() != fileIno {
		t.Fatal("Child lookup failed")
	}
	if _, ok := ns.Child(dirIno, "nope"); ok {
		t.Fatal("Child resolved a nonexistent name")
	}

	children, ok := ns.Children(dirIno)
	if !ok || len(children) != 1 || children[0] != fileIno {
		t.Fatalf("Children = %v, %v", children, ok)
	}
	if _, ok := ns.Children(fileIno); ok {
		t.Fatal("Children succeeded on a regular file")
	}
}

func TestConcurrentAllocateUnique(t *testing.T) {
	ns := NewNamespace()

	const perG, workers = 200, 8
	var wg sync.WaitGroup
	inos := make(chan InodeID, perG*workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				name := fmt.Sprintf("f-%d-%d", w, i)
				inos <- ns.Allocate(NewFile(name, RootInodeID, testHash(1), 0, 1))
			}
		}(w)
	}
	wg.Wait()
	close(inos)

	seen := make(map[InodeID]bool, perG*workers)
	for ino := range inos {
		if seen[ino] {
			t.Fatalf("inode %d issued twice", ino)
		}
		seen[ino] = true
	}
	if len(seen) != perG*workers {
		t.Fatalf("expected %d inodes, got %d", perG*workers, len(seen))
	}
}

func TestRemoveRecursive(t *testing.T) {
	ns := NewNamespace()
	ih := testHash(0xbb)

	top := ns.Allocate(NewTorrentDir("show", RootInodeID, ih))
	season := ns.Allocate(NewDir("season1", top))
	ep1 := ns.Allocate(NewFile("ep1.mkv", season, ih, 0, 10))
	ep2 := ns.Allocate(NewFile("ep2.mkv", season, ih, 1, 10))

	ns.Remove(top)

	for _, ino := range []InodeID{top, season, ep1, ep2} {
		if _, ok := ns.LookupIno(ino); ok {
			t.Fatalf("inode %d survived recursive removal", ino)
		}
	}
	if _, ok := ns.LookupPath("/show/season1/ep1.mkv"); ok {
		t.Fatal("path index survived removal")
	}
	if _, ok := ns.LookupTorrent(ih); ok {
		t.Fatal("torrent index survived removal")
	}
	if children, _ := ns.Children(RootInodeID); len(children) != 0 {
		t.Fatalf("root still lists children %v", children)
	}

	// Removing again must be a harmless no-op.
	ns.Remove(top)
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	ns := NewNamespace()
	ns.Remove(InodeID(12345))
	if _, ok := ns.LookupIno(RootInodeID); !ok {
		t.Fatal("root vanished")
	}
}

func TestPathBuilding(t *testing.T) {
	ns := NewNamespace()
	a := ns.Allocate(NewDir("a", RootInodeID))
	b := ns.Allocate(NewDir("b", a))
	c := ns.Allocate(NewFile("c.bin", b, testHash(1), 0, 1))

	e, _ := ns.LookupIno(c)
	if got := ns.Path(e); got != "/a/b/c.bin" {
		t.Fatalf("Path = %q, want /a/b/c.bin", got)
	}

	root, _ := ns.LookupIno(RootInodeID)
	if got := ns.Path(root); got != "/" {
		t.Fatalf("Path(root) = %q", got)
	}
}

func TestTorrentsListing(t *testing.T) {
	ns := NewNamespace()
	h1, h2 := testHash(1), testHash(2)
	ns.Allocate(NewTorrentDir("one", RootInodeID, h1))
	ns.Allocate(NewTorrentDir("two", RootInodeID, h2))

	got := ns.Torrents()
	if len(got) != 2 {
		t.Fatalf("Torrents() = %v", got)
	}
	seen := map[metainfo.Hash]bool{got[0]: true, got[1]: true}
	if !seen[h1] || !seen[h2] {
		t.Fatalf("Torrents() = %v, want both hashes", got)
	}
}
