package vfs

// InodeID is a 64-bit number uniquely identifying a file, directory or
// symlink within the virtual filesystem namespace.
//
// This corresponds to struct inode::i_no in the kernel VFS layer.
type InodeID uint64

// RootInodeID is the distinguished inode of the filesystem root. The FUSE
// kernel may address it without a prior lookup, so the namespace never
// mints it for any other entry.
const RootInodeID InodeID = 1
