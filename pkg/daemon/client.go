// Package daemon implements the HTTP client for the rqbit daemon's API.
//
// Metadata calls (torrent listing, details, piece availability) retry with
// exponential backoff until their budget is exhausted. Stream opens retry
// the connection establishment only; once a body is streaming, a failure
// is surfaced to the caller, who reacts by opening a fresh stream.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// DefaultRetryBudget bounds the total time spent retrying one metadata
// call before the transient error is surfaced.
const DefaultRetryBudget = 15 * time.Second

// Client talks to one rqbit daemon. It is safe for concurrent use.
type Client struct {
	base        *url.URL
	hc          *http.Client
	retryBudget time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. to set a
// connect timeout or a test transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithRetryBudget bounds the total retry time of one metadata call.
func WithRetryBudget(d time.Duration) Option {
	return func(c *Client) { c.retryBudget = d }
}

// NewClient returns a client for the daemon API rooted at baseURL, e.g.
// "http://127.0.0.1:3030".
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid daemon url [%s]", baseURL)
	}
	if !u.IsAbs() {
		return nil, errors.Errorf("daemon url [%s] is not absolute", baseURL)
	}
	c := &Client{
		base:        u,
		hc:          http.DefaultClient,
		retryBudget: DefaultRetryBudget,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Summary is one row of the daemon's torrent listing.
type Summary struct {
	InfoHash metainfo.Hash
	Name     string
}

// FileEntry is one file within a torrent, as reported by the daemon.
type FileEntry struct {
	Name       string   // last path component
	Components []string // path components relative to the torrent root
	Length     int64
	Included   bool // excluded files are listed but not downloadable
}

// Torrent is the full description of one torrent.
type Torrent struct {
	InfoHash metainfo.Hash
	Name     string
	Files    []FileEntry
}

// wire shapes of the daemon's JSON responses.
type (
	wireList struct {
		Torrents []wireSummary `json:"torrents"`
	}
	wireSummary struct {
		ID       int    `json:"id"`
		InfoHash string `json:"info_hash"`
		Name     string `json:"name"`
	}
	wireTorrent struct {
		InfoHash string `json:"info_hash"`
		Name     string `json:"name"`
		Files    []struct {
			Name       string   `json:"name"`
			Components []string `json:"components"`
			Length     int64    `json:"length"`
			Included   bool     `json:"included"`
		} `json:"files"`
	}
	wireHaves struct {
		Haves []bool `json:"haves"`
	}
)

// List fetches the daemon's torrent listing.
func (c *Client) List(ctx context.Context) ([]Summary, error) {
	var wl wireList
	if err := c.getJSON(ctx, "torrents", &wl); err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(wl.Torrents))
	for _, wt := range wl.Torrents {
		var ih metainfo.Hash
		if err := ih.FromHexString(wt.InfoHash); err != nil {
			return nil, &Error{Kind: KindProtocol, Op: "GET torrents",
				Err: errors.Wrapf(err, "bad info_hash [%s]", wt.InfoHash)}
		}
		out = append(out, Summary{InfoHash: ih, Name: wt.Name})
	}
	return out, nil
}

// Details fetches the file list of one torrent. The daemon accepts the
// info-hash in place of its numeric torrent id in every path.
func (c *Client) Details(ctx context.Context, ih metainfo.Hash) (*Torrent, error) {
	var wt wireTorrent
	if err := c.getJSON(ctx, "torrents/"+ih.HexString(), &wt); err != nil {
		return nil, err
	}
	t := &Torrent{InfoHash: ih, Name: wt.Name}
	for _, wf := range wt.Files {
		t.Files = append(t.Files, FileEntry{
			Name:       wf.Name,
			Components: wf.Components,
			Length:     wf.Length,
			Included:   wf.Included,
		})
	}
	return t, nil
}

// Haves fetches the piece availability bitfield of one torrent; element i
// reports whether piece i is complete on the daemon.
func (c *Client) Haves(ctx context.Context, ih metainfo.Hash) ([]bool, error) {
	var wh wireHaves
	if err := c.getJSON(ctx, "torrents/"+ih.HexString()+"/haves", &wh); err != nil {
		return nil, err
	}
	return wh.Haves, nil
}

// OpenRange starts a byte-range read of one file within a torrent. The
// daemon may ignore the Range header and serve the whole file from byte
// zero; the returned reader's Offset reports where its body actually
// starts, so callers know how much to discard.
func (c *Client) OpenRange(ctx context.Context, ih metainfo.Hash, fileIndex int, start int64) (*RangeReader, error) {
	path := fmt.Sprintf("torrents/%s/stream/%d", ih.HexString(), fileIndex)
	op := "GET " + path

	var rr *RangeReader
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
		if err != nil {
			return backoff.Permanent(&Error{Kind: KindProtocol, Op: op, Err: err})
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))

		resp, err := c.hc.Do(req)
		if err != nil {
			return &Error{Kind: KindTransient, Op: op, Err: err}
		}

		switch resp.StatusCode {
		case http.StatusPartialContent:
			rr = &RangeReader{body: resp.Body, offset: start, ranged: true}
			return nil
		case http.StatusOK:
			// The range quirk: a full, unranged body starting at byte zero.
			glog.V(1).Infof("Daemon ignored range request at %d for %s, serving full body", start, path)
			rr = &RangeReader{body: resp.Body, offset: 0, ranged: false}
			return nil
		case http.StatusNotFound:
			resp.Body.Close()
			return backoff.Permanent(&Error{Kind: KindNotFound, Op: op})
		default:
			resp.Body.Close()
			if retryableStatus(resp.StatusCode) {
				return &Error{Kind: KindTransient, Op: op,
					Err: errors.Errorf("status %s", resp.Status)}
			}
			return backoff.Permanent(&Error{Kind: KindProtocol, Op: op,
				Err: errors.Errorf("status %s", resp.Status)})
		}
	}

	if err := backoff.Retry(attempt, c.newBackOff(ctx)); err != nil {
		return nil, wrapRetryErr(op, err)
	}
	return rr, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	op := "GET " + path

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
		if err != nil {
			return backoff.Permanent(&Error{Kind: KindProtocol, Op: op, Err: err})
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return &Error{Kind: KindTransient, Op: op, Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(&Error{Kind: KindNotFound, Op: op})
		case retryableStatus(resp.StatusCode):
			return &Error{Kind: KindTransient, Op: op,
				Err: errors.Errorf("status %s", resp.Status)}
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(&Error{Kind: KindProtocol, Op: op,
				Err: errors.Errorf("status %s", resp.Status)})
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(&Error{Kind: KindProtocol, Op: op,
				Err: errors.Wrap(err, "decoding response")})
		}
		return nil
	}

	return wrapRetryErr(op, backoff.Retry(attempt, c.newBackOff(ctx)))
}

func (c *Client) endpoint(path string) string {
	return c.base.JoinPath(path).String()
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = c.retryBudget
	return backoff.WithContext(bo, ctx)
}

// wrapRetryErr keeps the typed *Error intact when the retry loop gives up,
// and wraps context cancellation as a transient failure.
func wrapRetryErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := kindOf(err); ok {
		return err
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}
