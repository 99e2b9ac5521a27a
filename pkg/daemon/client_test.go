package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anacrolix/torrent/metainfo"
)

const testHashHex = "aa11bb22cc33dd44ee55ff6600112233445566aa"

func testClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, WithRetryBudget(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	return c, srv
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("127.0.0.1:3030"); err == nil {
		t.Fatal("relative url accepted")
	}
}

func TestList(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/torrents" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"torrents":[{"id":0,"info_hash":"%s","name":"ubuntu"}]}`, testHashHex)
	}))

	sums, err := c.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].Name != "ubuntu" {
		t.Fatalf("List = %+v", sums)
	}
	if sums[0].InfoHash.HexString() != testHashHex {
		t.Fatalf("info hash = %s", sums[0].InfoHash.HexString())
	}
}

func TestListBadHashIsProtocolError(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"torrents":[{"id":0,"info_hash":"zz","name":"x"}]}`)
	}))

	_, err := c.List(context.Background())
	if !IsProtocol(err) {
		t.Fatalf("err = %v, want protocol kind", err)
	}
}

func TestDetails(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/torrents/"+testHashHex {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"info_hash":"%s","name":"ubuntu","files":[
			{"name":"a.iso","components":["cd","a.iso"],"length":100,"included":true},
			{"name":"b.txt","components":["b.txt"],"length":5,"included":false}]}`, testHashHex)
	}))

	var ih metainfo.Hash
	if err := ih.FromHexString(testHashHex); err != nil {
		t.Fatal(err)
	}
	det, err := c.Details(context.Background(), ih)
	if err != nil {
		t.Fatal(err)
	}
	if det.Name != "ubuntu" || len(det.Files) != 2 {
		t.Fatalf("Details = %+v", det)
	}
	f := det.Files[0]
	if f.Name != "a.iso" || len(f.Components) != 2 || f.Length != 100 || !f.Included {
		t.Fatalf("file = %+v", f)
	}
	if det.Files[1].Included {
		t.Fatal("excluded file reported as included")
	}
}

func TestHaves(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/haves") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"haves":[true,false,true]}`)
	}))

	var ih metainfo.Hash
	_ = ih.FromHexString(testHashHex)
	haves, err := c.Haves(context.Background(), ih)
	if err != nil {
		t.Fatal(err)
	}
	if len(haves) != 3 || !haves[0] || haves[1] || !haves[2] {
		t.Fatalf("Haves = %v", haves)
	}
}

func TestNotFoundIsPermanent(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))

	_, err := c.List(context.Background())
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not-found kind", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("404 was retried %d times", n)
	}
}

func TestTransientStatusIsRetried(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"torrents":[]}`)
	}))

	sums, err := c.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 0 {
		t.Fatalf("List = %+v", sums)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("saw %d calls, want 3", n)
	}
}

func TestBadJSONIsProtocolError(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"torrents": nope`)
	}))

	_, err := c.List(context.Background())
	if !IsProtocol(err) {
		t.Fatalf("err = %v, want protocol kind", err)
	}
}

func TestOpenRangeRanged(t *testing.T) {
	content := []byte("0123456789abcdef")
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rg := r.Header.Get("Range")
		if rg != "bytes=10-" {
			t.Errorf("Range header = %q", rg)
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 10-15/%d", len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[10:])
	}))

	var ih metainfo.Hash
	_ = ih.FromHexString(testHashHex)
	rr, err := c.OpenRange(context.Background(), ih, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer rr.Close()

	if !rr.Ranged() || rr.Offset() != 10 {
		t.Fatalf("ranged=%v offset=%d", rr.Ranged(), rr.Offset())
	}
	got, err := io.ReadAll(rr)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("body = %q", got)
	}
	if rr.Offset() != int64(len(content)) {
		t.Fatalf("offset after read = %d", rr.Offset())
	}
}

func TestOpenRangeQuirkServesFullBody(t *testing.T) {
	content := []byte("0123456789abcdef")
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignore the Range header entirely, like the daemon sometimes does.
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))

	var ih metainfo.Hash
	_ = ih.FromHexString(testHashHex)
	rr, err := c.OpenRange(context.Background(), ih, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer rr.Close()

	if rr.Ranged() || rr.Offset() != 0 {
		t.Fatalf("ranged=%v offset=%d, want unranged at 0", rr.Ranged(), rr.Offset())
	}
	got, _ := io.ReadAll(rr)
	if string(got) != string(content) {
		t.Fatalf("body = %q", got)
	}
}

func TestOpenRangeNotFound(t *testing.T) {
	c, _ := testClient(t, http.NotFoundHandler())

	var ih metainfo.Hash
	_ = ih.FromHexString(testHashHex)
	_, err := c.OpenRange(context.Background(), ih, 0, 0)
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not-found kind", err)
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	c, srv := testClient(t, http.NotFoundHandler())
	srv.Close() // kill the listener, every request now fails to connect

	short, err := NewClient(c.base.String(), WithRetryBudget(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	_, lerr := short.List(context.Background())
	if !IsTransient(lerr) {
		t.Fatalf("err = %v, want transient kind", lerr)
	}
}
