// Package filecopy implements the file and directory transfer sub-protocol.
package filecopy

import (
	"io/fs"
	"path/filepath"
	"strconv"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"

	"github.com/canonical/vzdispatch/shared/logger"
)

// Version is the protocol version announced in the first request.
const Version = "1"

// Item is one directory or regular file to transfer.
type Item struct {
	// Path is the local path of the item.
	Path string

	// Name is the path relative to the transfer root, as sent on the wire.
	Name string

	Dir  bool
	Size uint64
}

// BuildItems walks root and returns its directories and regular files.
// Directories are listed parents first. Other file types are skipped.
func BuildItems(root string) ([]Item, []Item, error) {
	var dirs []Item
	var files []Item

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == root {
			return nil
		}

		name, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if d.IsDir() {
			dirs = append(dirs, Item{Path: path, Name: name, Dir: true})
			return nil
		}

		if !d.Type().IsRegular() {
			logger.Debug("Skipping special file", logger.Ctx{"path": path, "type": d.Type().String()})
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		files = append(files, Item{Path: path, Name: name, Size: uint64(info.Size())})

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return dirs, files, nil
}

// TotalSize returns the sum of the file sizes.
func TotalSize(items []Item) uint64 {
	var total uint64
	for _, item := range items {
		total += item.Size
	}

	return total
}

type metadata struct {
	owner  string
	group  string
	perms  uint32
	xattrs map[string]string
}

func readMetadata(path string) (metadata, error) {
	var st unix.Stat_t

	err := unix.Lstat(path, &st)
	if err != nil {
		return metadata{}, err
	}

	md := metadata{
		owner: strconv.FormatUint(uint64(st.Uid), 10),
		group: strconv.FormatUint(uint64(st.Gid), 10),
		perms: st.Mode & 0o7777,
	}

	names, err := xattr.LList(path)
	if err != nil {
		logger.Debug("Unable to list extended attributes", logger.Ctx{"path": path, "err": err})
		return md, nil
	}

	for _, name := range names {
		value, err := xattr.LGet(path, name)
		if err != nil {
			logger.Warn("Unable to read extended attribute", logger.Ctx{"path": path, "name": name, "err": err})
			continue
		}

		if md.xattrs == nil {
			md.xattrs = map[string]string{}
		}

		md.xattrs[name] = string(value)
	}

	return md, nil
}
