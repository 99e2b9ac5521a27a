// Package rqfs exposes the torrents managed by a remote rqbit daemon as a
// mountable, read-only FUSE filesystem.
//
// Directories correspond to torrents, files to torrent contents; byte
// ranges are fetched on demand over the daemon's HTTP API rather than
// pre-downloaded. The daemon is stateful and fully owns the torrents: this
// client keeps no on-disk state of its own and rebuilds its in-memory
// namespace from torrent discovery on every mount, so an unmount (or a
// crash) leaks nothing and a fresh mount always reflects what the daemon
// currently serves.
//
// The kernel drives FUSE callbacks synchronously, one blocked thread per
// in-flight operation, while the daemon streams data asynchronously and at
// its own pace. The bridge package carries requests across that boundary
// with explicit timeouts; the stream package turns sequences of byte-range
// reads into long-lived, reusable HTTP streams. If the daemon connection is
// lost mid-flight, applications reading through the mount see plain I/O
// errors and may simply retry.
package rqfs
