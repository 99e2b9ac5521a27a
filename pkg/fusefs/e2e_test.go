package fusefs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/neonfuz/rqbit-fuse-sub003/pkg/bridge"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/daemon"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/discover"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/metacache"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/stream"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/vfs"
)

const e2eHashHex = "00112233445566778899aabbccddeeff00112233"

type httpOpener struct {
	c *daemon.Client
}

func (o httpOpener) OpenRange(ctx context.Context, ih metainfo.Hash, fileIndex int, start int64) (stream.Source, error) {
	return o.c.OpenRange(ctx, ih, fileIndex, start)
}

// fakeRqbit serves the daemon API for one torrent with two files. File 0
// honors byte-range requests; file 1 exhibits the range quirk and always
// serves the full body from byte zero.
func fakeRqbit(t *testing.T, honored, quirky []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/torrents", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"torrents":[{"id":0,"info_hash":"%s","name":"demo"}]}`, e2eHashHex)
	})
	mux.HandleFunc("/torrents/"+e2eHashHex, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"info_hash":"%s","name":"demo","files":[
			{"name":"honored.bin","components":["honored.bin"],"length":%d,"included":true},
			{"name":"quirky.bin","components":["quirky.bin"],"length":%d,"included":true}]}`,
			e2eHashHex, len(honored), len(quirky))
	})
	mux.HandleFunc("/torrents/"+e2eHashHex+"/haves", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"haves":[true,true]}`)
	})
	mux.HandleFunc("/torrents/"+e2eHashHex+"/stream/0", func(w http.ResponseWriter, r *http.Request) {
		start := int64(0)
		if rg := r.Header.Get("Range"); strings.HasPrefix(rg, "bytes=") {
			start, _ = strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rg, "bytes="), "-"), 10, 64)
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(honored)-1, len(honored)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(honored[start:])
	})
	mux.HandleFunc("/torrents/"+e2eHashHex+"/stream/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(quirky)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)*3 + seed
	}
	return out
}

// Exercises the whole stack below the kernel: discovery populates the
// namespace from the HTTP API, then raw filesystem ops resolve entries and
// read bytes through bridge, stream manager and daemon client.
func TestEndToEndReadThroughStack(t *testing.T) {
	honored := pattern(1<<20, 1)
	quirky := pattern(1<<19, 2)
	srv := fakeRqbit(t, honored, quirky)

	client, err := daemon.NewClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	meta := metacache.New(client, time.Minute)
	ns := vfs.NewNamespace()
	streams := stream.NewManager(httpOpener{client}, stream.Config{ChunkSize: 4096})
	t.Cleanup(streams.Close)
	br := bridge.New(ns, streams, meta, 16, 4)
	t.Cleanup(br.Close)

	if err := discover.New(meta, ns, time.Minute).Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	fs := New(ns, br, Options{BridgeTimeout: 5 * time.Second})

	var entry fuse.EntryOut
	if s := fs.Lookup(nil, &fuse.InHeader{NodeId: uint64(vfs.RootInodeID)}, "demo", &entry); s != fuse.OK {
		t.Fatalf("lookup demo: %v", s)
	}
	dirIno := entry.NodeId

	readAt := func(name string, offset int64, size int) []byte {
		t.Helper()
		if s := fs.Lookup(nil, &fuse.InHeader{NodeId: dirIno}, name, &entry); s != fuse.OK {
			t.Fatalf("lookup %s: %v", name, s)
		}
		var open fuse.OpenOut
		if s := fs.Open(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: entry.NodeId}, Flags: uint32(syscall.O_RDONLY)}, &open); s != fuse.OK {
			t.Fatalf("open %s: %v", name, s)
		}
		defer fs.Release(nil, &fuse.ReleaseIn{InHeader: fuse.InHeader{NodeId: entry.NodeId}, Fh: open.Fh})

		res, s := fs.Read(nil, &fuse.ReadIn{
			InHeader: fuse.InHeader{NodeId: entry.NodeId},
			Fh:       open.Fh,
			Offset:   uint64(offset),
			Size:     uint32(size),
		}, make([]byte, size))
		if s != fuse.OK {
			t.Fatalf("read %s at %d: %v", name, offset, s)
		}
		data, s := res.Bytes(make([]byte, size))
		if s != fuse.OK {
			t.Fatalf("read %s bytes: %v", name, s)
		}
		return data
	}

	check := func(got, want []byte, what string) {
		t.Helper()
		if len(got) != len(want) {
			t.Fatalf("%s: got %d bytes, want %d", what, len(got), len(want))
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("%s: byte %d = %#x, want %#x", what, i, got[i], want[i])
			}
		}
	}

	// Sequential reads on the range-honoring file.
	check(readAt("honored.bin", 0, 4096), honored[:4096], "honored first chunk")
	check(readAt("honored.bin", 4096, 4096), honored[4096:8192], "honored second chunk")

	// A far forward jump and a jump back, through stream replacement.
	check(readAt("honored.bin", 900_000, 100), honored[900_000:900_100], "honored far jump")
	check(readAt("honored.bin", 4096, 50), honored[4096:4146], "honored jump back")

	// The quirky file serves full bodies; the window must still be exact.
	check(readAt("quirky.bin", 300_000, 128), quirky[300_000:300_128], "quirky mid read")

	// Short read at EOF.
	got := readAt("honored.bin", int64(len(honored))-10, 4096)
	check(got, honored[len(honored)-10:], "honored tail")
}
