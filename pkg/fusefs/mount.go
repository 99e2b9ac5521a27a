package fusefs

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/golang/glog"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
)

// PrepareMountpoint resolves the mountpoint argument to an absolute path
// and validates it for mounting, detecting a stale FUSE mount left by a
// crashed process and unmounting it first.
func PrepareMountpoint(mpArg string) (mountpoint string, err error) {
	mountpoint, err = filepath.Abs(mpArg)
	if err != nil {
		err = errors.Wrapf(err, "Error resolving mountpoint path [%s]", mpArg)
		return
	}
	// A broken fuse mountpoint fails to stat on Linux but not on macOS,
	// while readdir fails on both, so ls the mountpoint to determine
	// whether a previous mount was left broken.
	var df *os.File
	df, err = os.OpenFile(mountpoint, os.O_RDONLY, 0)
	if err != nil {
		glog.Warningf("Try unmounting [%s] as it appears not accessible ...", mountpoint)
		if err = Unmount(mountpoint); err == nil {
			df, err = os.OpenFile(mountpoint, os.O_RDONLY, 0)
		}
	}
	if err != nil {
		err = errors.Wrapf(err, "Can not read mountpoint [%s]", mountpoint)
		return
	}
	defer df.Close()
	if names, lsErr := df.Readdirnames(0); lsErr != nil {
		err = errors.Wrapf(lsErr, "Can not ls mountpoint [%s]", mountpoint)
		return
	} else if len(names) > 0 {
		glog.V(1).Infof("Mounting on non-empty dir [%s] with %d children.", mountpoint, len(names))
	}
	return
}

// Unmount detaches a FUSE mount, lazily, so a stale mount with open
// handles still comes off.
func Unmount(mountpoint string) error {
	if err := exec.Command("fusermount", "-u", "-z", mountpoint).Run(); err == nil {
		return nil
	}
	if err := syscall.Unmount(mountpoint, 0); err != nil {
		return errors.Wrapf(err, "Can not unmount [%s]", mountpoint)
	}
	return nil
}

// Mount serves fsys at mountpoint and returns once the kernel has
// acknowledged the mount. The returned server's Wait method blocks until
// unmount.
func Mount(fsys *FileSystem, mountpoint string, allowOther bool) (*fuse.Server, error) {
	srv, err := fuse.NewServer(fsys, mountpoint, &fuse.MountOptions{
		Name:       "rqfs",
		FsName:     "rqfs",
		AllowOther: allowOther,
		Options:    []string{"ro"},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "Can not mount [%s]", mountpoint)
	}
	go srv.Serve()
	if err := srv.WaitMount(); err != nil {
		return nil, errors.Wrapf(err, "Mount of [%s] did not come up", mountpoint)
	}
	glog.V(1).Infof("Mounted rqfs at [%s]", mountpoint)
	return srv, nil
}
