package filecopy

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/xattr"

	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/logger"
)

// Target receives a transfer into Root.
// Files left behind by a failed transfer are not removed.
type Target struct {
	Root      string
	Overwrite bool

	// Chown applies the owner and group sent by the source.
	Chown bool

	// Platform is the only sender platform accepted.
	Platform proto.Platform

	started bool
	done    bool
	err     error

	file    *os.File
	header  proto.FileCopyFile
	path    string
	written uint64
}

// NewTarget returns a target writing under root.
func NewTarget(root string) *Target {
	return &Target{Root: root, Platform: proto.LocalPlatform()}
}

// Err returns the error that stopped the transfer, if any.
func (t *Target) Err() error {
	return t.err
}

// Done returns true once the transfer has finished or was cancelled.
func (t *Target) Done() bool {
	return t.done
}

// HandlePackage processes one file copy package. It returns the reply to send,
// nil when none is due, and whether the transfer is over.
func (t *Target) HandlePackage(p *proto.Package) (*proto.Package, bool) {
	if p.Header.Type == proto.FileCopyCancelCmd {
		t.closeFile()
		if t.err == nil {
			t.err = api.ErrCancelled
		}

		t.done = true
		logger.Info("File copy cancelled by source", logger.Ctx{"root": t.Root})

		return nil, true
	}

	if t.err != nil {
		if p.Header.Type == proto.FileCopyFinishCmd {
			t.done = true
		}

		return proto.NewFileCopyResult(p, proto.FileCopyError, t.err), t.done
	}

	replyType, err := t.handle(p)
	if err != nil {
		if errors.Is(err, api.ResultErrorf(api.FileExists, "")) {
			return proto.NewFileCopyResult(p, replyType, err), false
		}

		logger.Error("File copy failed", logger.Ctx{"root": t.Root, "command": p.Header.Type.String(), "err": err})
		t.closeFile()
		t.err = err

		return proto.NewFileCopyResult(p, proto.FileCopyError, err), t.done
	}

	return proto.NewFileCopyResult(p, replyType, nil), t.done
}

func (t *Target) handle(p *proto.Package) (proto.CommandID, error) {
	if p.Header.Type != proto.FileCopyFirstRequest && !t.started {
		return proto.FileCopyError, api.ResultErrorf(api.InternalProtocolError, "Received %s before the first request", p.Header.Type)
	}

	switch p.Header.Type {
	case proto.FileCopyFirstRequest:
		return proto.FileCopyFirstReply, t.first(p)
	case proto.FileCopyDirCmd:
		return proto.FileCopyReply, t.dir(p)
	case proto.FileCopyFileCmd:
		return proto.FileCopyFileReplyCmd, t.openFile(p)
	case proto.FileCopyFileChunkCmd:
		return proto.FileCopyReply, t.chunk(p)
	case proto.FileCopyFinishCmd:
		if t.file != nil {
			return proto.FileCopyError, api.ResultErrorf(api.InternalProtocolError, "Transfer finished while %q is incomplete", t.header.Path)
		}

		t.done = true
		logger.Debug("File copy finished", logger.Ctx{"root": t.Root})

		return proto.FileCopyReply, nil
	}

	return proto.FileCopyError, api.ResultErrorf(api.InternalProtocolError, "Unexpected file copy command %s", p.Header.Type)
}

func (t *Target) first(p *proto.Package) error {
	if t.started {
		return api.ResultErrorf(api.InternalProtocolError, "Duplicate first request")
	}

	var req proto.FileCopyFirst
	err := proto.ParseFileCopy(p, &req)
	if err != nil {
		return api.ResultErrorf(api.FileCopyProtocol, "Invalid first request: %v", err)
	}

	if req.Version != Version {
		return api.ResultErrorf(api.FileCopyProtocol, "Unsupported file copy protocol version %q", req.Version)
	}

	if req.Platform != t.Platform {
		return api.ResultErrorf(api.UnsupportedPlatform, "Transfers from platform %d are not supported", req.Platform)
	}

	if req.Flags&proto.FileCopyFlagOverwrite != 0 {
		t.Overwrite = true
	}

	err = os.MkdirAll(t.Root, 0o755)
	if err != nil {
		return api.ResultErrorf(api.FileAccessDenied, "Failed creating %q: %v", t.Root, err)
	}

	t.started = true
	logger.Debug("File copy started", logger.Ctx{"root": t.Root, "size": req.TotalSize, "platform": req.Platform})

	return nil
}

func (t *Target) dir(p *proto.Package) error {
	var req proto.FileCopyDir
	err := proto.ParseFileCopy(p, &req)
	if err != nil {
		return api.ResultErrorf(api.FileCopyProtocol, "Invalid directory request: %v", err)
	}

	path, err := t.resolve(req.Path)
	if err != nil {
		return err
	}

	info, err := os.Lstat(path)
	if err == nil {
		if !info.IsDir() || !t.Overwrite {
			return api.ResultErrorf(api.FileExists, "%q already exists", req.Path)
		}
	}

	perms := fs.FileMode(req.Perms)
	if perms == 0 {
		perms = 0o755
	}

	err = os.MkdirAll(path, perms)
	if err != nil {
		return api.ResultErrorf(api.FileAccessDenied, "Failed creating %q: %v", req.Path, err)
	}

	t.applyMetadata(path, req.Owner, req.Group, req.Perms, nil)

	return nil
}

func (t *Target) openFile(p *proto.Package) error {
	if t.file != nil {
		return api.ResultErrorf(api.InternalProtocolError, "Received %q while %q is incomplete", p.Header.Type, t.header.Path)
	}

	var req proto.FileCopyFile
	err := proto.ParseFileCopy(p, &req)
	if err != nil {
		return api.ResultErrorf(api.FileCopyProtocol, "Invalid file request: %v", err)
	}

	path, err := t.resolve(req.Path)
	if err != nil {
		return err
	}

	_, err = os.Lstat(path)
	if err == nil && !t.Overwrite {
		return api.ResultErrorf(api.FileExists, "%q already exists", req.Path)
	}

	err = os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return api.ResultErrorf(api.FileAccessDenied, "Failed creating parent of %q: %v", req.Path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return api.ResultErrorf(api.FileAccessDenied, "Failed creating %q: %v", req.Path, err)
	}

	t.file = f
	t.header = req
	t.path = path
	t.written = 0

	return nil
}

func (t *Target) chunk(p *proto.Package) error {
	if t.file == nil {
		return api.ResultErrorf(api.InternalProtocolError, "Received file data without a file request")
	}

	var req proto.FileCopyChunk
	err := proto.ParseFileCopy(p, &req)
	if err != nil {
		return api.ResultErrorf(api.FileCopyProtocol, "Invalid file chunk: %v", err)
	}

	data := p.Buffer(1)
	if t.written+uint64(len(data)) > t.header.Size {
		return api.ResultErrorf(api.FileCopyProtocol, "File %q exceeds its announced size of %d bytes", t.header.Path, t.header.Size)
	}

	_, err = t.file.Write(data)
	if err != nil {
		return api.ResultErrorf(api.Failure, "Failed writing %q: %v", t.header.Path, err)
	}

	t.written += uint64(len(data))

	if !req.Last {
		return nil
	}

	if t.written != t.header.Size {
		return api.ResultErrorf(api.FileCopyProtocol, "File %q is truncated: got %d of %d bytes", t.header.Path, t.written, t.header.Size)
	}

	err = t.file.Close()
	t.file = nil
	if err != nil {
		return api.ResultErrorf(api.Failure, "Failed closing %q: %v", t.header.Path, err)
	}

	t.applyMetadata(t.path, t.header.Owner, t.header.Group, t.header.Perms, t.header.Xattrs)

	return nil
}

// resolve maps a wire path under Root and refuses anything escaping it.
func (t *Target) resolve(name string) (string, error) {
	if name == "" {
		return "", api.ResultErrorf(api.InvalidArgument, "Empty path")
	}

	path := filepath.Join(t.Root, name)

	rel, err := filepath.Rel(t.Root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", api.ResultErrorf(api.InvalidArgument, "Path %q is outside of the transfer root", name)
	}

	return path, nil
}

// applyMetadata restores what it can and only warns on failure.
func (t *Target) applyMetadata(path string, owner string, group string, perms uint32, xattrs map[string]string) {
	if perms != 0 {
		err := os.Chmod(path, fs.FileMode(perms&0o777)|modeBits(perms))
		if err != nil {
			logger.Warn("Failed restoring permissions", logger.Ctx{"path": path, "err": err})
		}
	}

	if t.Chown {
		uid, errUID := strconv.Atoi(owner)
		gid, errGID := strconv.Atoi(group)
		if errUID == nil && errGID == nil {
			err := os.Lchown(path, uid, gid)
			if err != nil {
				logger.Warn("Failed restoring ownership", logger.Ctx{"path": path, "err": err})
			}
		}
	}

	for name, value := range xattrs {
		err := xattr.LSet(path, name, []byte(value))
		if err != nil {
			logger.Warn("Failed restoring extended attribute", logger.Ctx{"path": path, "name": name, "err": err})
		}
	}
}

func (t *Target) closeFile() {
	if t.file == nil {
		return
	}

	err := t.file.Close()
	if err != nil {
		logger.Warn("Failed closing partial file", logger.Ctx{"path": t.path, "err": err})
	}

	t.file = nil
}

func modeBits(perms uint32) fs.FileMode {
	var mode fs.FileMode

	if perms&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}

	if perms&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}

	if perms&0o1000 != 0 {
		mode |= fs.ModeSticky
	}

	return mode
}
