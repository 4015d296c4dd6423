package proto

import (
	"fmt"
	"runtime"

	"github.com/canonical/vzdispatch/shared/api"
)

// Platform identifies the operating system of the file copy sender.
type Platform uint32

// Sender platforms.
const (
	PlatformMac     Platform = 1
	PlatformLinux   Platform = 2
	PlatformWindows Platform = 3
)

// LocalPlatform returns the platform of the running dispatcher.
func LocalPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMac
	case "windows":
		return PlatformWindows
	}

	return PlatformLinux
}

// FileCopyFlagOverwrite lets the target replace existing items.
const FileCopyFlagOverwrite uint32 = 1 << 0

// FileCopyFirst opens a transfer.
type FileCopyFirst struct {
	Version   string   `mapstructure:"version"`
	Platform  Platform `mapstructure:"platform"`
	TotalSize uint64   `mapstructure:"total_size"`
	Flags     uint32   `mapstructure:"flags"`
}

// FileCopyDir creates a directory.
type FileCopyDir struct {
	Path  string `mapstructure:"path"`
	Owner string `mapstructure:"owner"`
	Group string `mapstructure:"group"`
	Perms uint32 `mapstructure:"perms"`
}

// FileCopyFile opens a file, its content follows in chunks.
type FileCopyFile struct {
	Path   string            `mapstructure:"path"`
	Size   uint64            `mapstructure:"size"`
	Owner  string            `mapstructure:"owner"`
	Group  string            `mapstructure:"group"`
	Perms  uint32            `mapstructure:"perms"`
	Xattrs map[string]string `mapstructure:"xattrs"`
}

// FileCopyChunk carries file data in buffer 1.
type FileCopyChunk struct {
	Last bool `mapstructure:"last"`
}

// FileCopyResult is the body of FileCopyReply and FileCopyError.
type FileCopyResult struct {
	Code    api.ResultCode `mapstructure:"code"`
	Message string         `mapstructure:"message"`
}

// Err returns nil for a successful result.
func (r FileCopyResult) Err() error {
	if r.Code == api.Success {
		return nil
	}

	return api.ResultErrorf(r.Code, "%s", r.Message)
}

// NewFileCopyPackage serialises body as a file copy package of type t.
func NewFileCopyPackage(t CommandID, body any, extra ...[]byte) (*Package, error) {
	if Classify(t) != ClassFileCopy {
		return nil, fmt.Errorf("%s is not a file copy command", t)
	}

	data, err := MarshalBody(t.String(), body)
	if err != nil {
		return nil, err
	}

	return NewPackage(t, append([][]byte{data}, extra...)...), nil
}

// NewFileCopyResult builds the reply of type t to req carrying err.
func NewFileCopyResult(req *Package, t CommandID, err error) *Package {
	res := FileCopyResult{Code: api.ResultCodeOf(err)}
	if err != nil {
		res.Message = err.Error()
	}

	p, encErr := NewFileCopyPackage(t, res)
	if encErr != nil {
		// The body only holds a code and a string.
		panic(encErr)
	}

	p.Header.ParentID = req.Header.ID

	return p
}

// ParseFileCopy decodes buffer 0 of a file copy package into v.
func ParseFileCopy(p *Package, v any) error {
	if Classify(p.Header.Type) != ClassFileCopy {
		return fmt.Errorf("%s is not a file copy command", p.Header.Type)
	}

	_, err := UnmarshalBody(p.Buffer(0), v)

	return err
}
