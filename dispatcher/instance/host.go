package instance

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/osarch"
)

// LocalHost reads the hardware and storage of the machine the dispatcher runs on.
type LocalHost struct {
	// CPUInfo is the cpuinfo file to parse, /proc/cpuinfo when empty.
	CPUInfo string
}

// Hardware returns the CPU description of the host.
func (h LocalHost) Hardware() (proto.HostHardware, error) {
	hw := proto.HostHardware{CPUCount: uint32(runtime.NumCPU())}

	arch, err := osarch.ArchitectureGetLocal()
	if err == nil {
		hw.Architecture = arch
	}

	path := h.CPUInfo
	if path == "" {
		path = "/proc/cpuinfo"
	}

	f, err := os.Open(path)
	if err != nil {
		return hw, err
	}

	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "vendor_id":
			if hw.CPUVendor == "" {
				hw.CPUVendor = value
			}

		case "model name":
			if hw.CPUModel == "" {
				hw.CPUModel = value
			}

		case "flags", "Features":
			if hw.CPUFeatures == nil {
				hw.CPUFeatures = strings.Fields(value)
			}
		}
	}

	return hw, scanner.Err()
}

// FreeSpace returns the bytes available to unprivileged users on the filesystem holding path.
// Missing trailing components are ignored.
func (h LocalHost) FreeSpace(path string) (uint64, error) {
	for {
		var st unix.Statfs_t

		err := unix.Statfs(path, &st)
		if err == nil {
			return st.Bavail * uint64(st.Bsize), nil
		}

		if !errors.Is(err, unix.ENOENT) || path == "/" || path == "." {
			return 0, os.NewSyscallError("statfs", err)
		}

		path = parentDir(path)
	}
}

// StorageReachable checks that the shared storage path described by info exists.
func (h LocalHost) StorageReachable(info string) error {
	if info == "" {
		return nil
	}

	_, err := os.Stat(info)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return api.ResultErrorf(api.StorageUnreachable, "Shared storage %q is not reachable", info)
		}

		return api.ResultErrorf(api.StorageUnreachable, "Shared storage %q: %v", info, err)
	}

	return nil
}

func parentDir(path string) string {
	path = strings.TrimRight(path, "/")

	idx := strings.LastIndex(path, "/")
	switch {
	case idx < 0:
		return "."
	case idx == 0:
		return "/"
	}

	return path[:idx]
}
