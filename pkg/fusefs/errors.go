package fusefs

import (
	"errors"
	"syscall"

	"github.com/golang/glog"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/neonfuz/rqbit-fuse-sub003/pkg/bridge"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/daemon"
)

// toStatus maps bridge and daemon failures onto errno space. Transient
// conditions become EAGAIN so the kernel retries instead of failing the
// application's read outright.
func toStatus(err error) fuse.Status {
	switch {
	case err == nil:
		return fuse.OK
	case errors.Is(err, bridge.ErrTooBusy), errors.Is(err, bridge.ErrTimeout):
		return fuse.Status(syscall.EAGAIN)
	case errors.Is(err, bridge.ErrDisconnected):
		return fuse.EIO
	case errors.Is(err, bridge.ErrNotFound):
		return fuse.ENOENT
	case errors.Is(err, bridge.ErrNotFile):
		return fuse.Status(syscall.EISDIR)
	case daemon.IsNotFound(err):
		return fuse.ENOENT
	case daemon.IsTransient(err):
		return fuse.Status(syscall.EAGAIN)
	default:
		glog.Errorf("Read failed: %+v", err)
		return fuse.EIO
	}
}
