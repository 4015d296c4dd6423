package filecopy

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/ioprogress"
	"github.com/canonical/vzdispatch/shared/logger"
)

// DefaultChunkSize is used when Source.ChunkSize is zero.
const DefaultChunkSize = 1024 * 1024

// Source sends directories and files to a remote Target.
type Source struct {
	Jobs *jobs.Manager
	Conn jobs.Conn

	// Parent is set as the parent id of every request so the target can
	// attach the transfer to its migration session.
	Parent uuid.UUID

	Timeout   time.Duration
	ChunkSize int
	Overwrite bool

	// Progress receives the completion percentage each time it changes.
	Progress func(percent int)

	cancelled atomic.Bool

	mu      sync.Mutex
	current jobs.Handle

	total    uint64
	progress *ioprogress.ProgressTracker
}

// Cancel aborts the transfer. The pending wait, if any, returns at once.
func (s *Source) Cancel() {
	s.cancelled.Store(true)

	s.mu.Lock()
	h := s.current
	s.mu.Unlock()

	if h.IsValid() {
		s.Jobs.UrgentWake(h)
	}
}

// Copy sends dirs then files. FileExists replies skip the item.
func (s *Source) Copy(ctx context.Context, dirs []Item, files []Item) error {
	if ctx.Err() != nil {
		s.cancelled.Store(true)
	}

	stop := context.AfterFunc(ctx, s.Cancel)
	defer stop()

	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}

	s.total = TotalSize(files)
	s.progress = &ioprogress.ProgressTracker{Length: s.total, Handler: s.Progress}

	l := logger.AddContext(logger.Ctx{"handle": s.Conn.Handle(), "dirs": len(dirs), "files": len(files), "size": humanize.IBytes(s.total)})
	l.Debug("Starting file copy")

	err := s.copy(dirs, files)
	if err != nil {
		if api.IsCancelled(err) {
			s.sendCancel()
			l.Info("File copy cancelled")
			return api.ErrCancelled
		}

		l.Error("File copy failed", logger.Ctx{"err": err, "code": api.ResultCodeOf(err).Hex()})
		return err
	}

	l.Debug("File copy finished")

	return nil
}

func (s *Source) copy(dirs []Item, files []Item) error {
	var flags uint32
	if s.Overwrite {
		flags |= proto.FileCopyFlagOverwrite
	}

	_, err := s.request(proto.FileCopyFirstRequest, proto.FileCopyFirst{
		Version:   Version,
		Platform:  proto.LocalPlatform(),
		TotalSize: s.total,
		Flags:     flags,
	})
	if err != nil {
		return err
	}

	s.progress.Update()

	for _, dir := range dirs {
		if s.cancelled.Load() {
			return api.ErrCancelled
		}

		err := s.sendDir(dir)
		if err != nil {
			return fmt.Errorf("Failed copying directory %q: %w", dir.Name, err)
		}
	}

	for _, file := range files {
		if s.cancelled.Load() {
			return api.ErrCancelled
		}

		err := s.sendFile(file)
		if err != nil {
			return fmt.Errorf("Failed copying file %q: %w", file.Name, err)
		}
	}

	if s.cancelled.Load() {
		return api.ErrCancelled
	}

	_, err = s.request(proto.FileCopyFinishCmd, nil)
	if err != nil {
		return err
	}

	s.progress.Complete()

	return nil
}

func (s *Source) sendDir(dir Item) error {
	md, err := readMetadata(dir.Path)
	if err != nil {
		return err
	}

	skipped, err := s.request(proto.FileCopyDirCmd, proto.FileCopyDir{
		Path:  dir.Name,
		Owner: md.owner,
		Group: md.group,
		Perms: md.perms,
	})
	if err != nil {
		return err
	}

	if skipped {
		logger.Debug("Directory exists on target", logger.Ctx{"path": dir.Name})
	}

	return nil
}

func (s *Source) sendFile(file Item) error {
	f, err := os.Open(file.Path)
	if err != nil {
		return api.ResultErrorf(api.FileAccessDenied, "Failed opening %q: %v", file.Path, err)
	}

	defer func() { _ = f.Close() }()

	md, err := readMetadata(file.Path)
	if err != nil {
		return err
	}

	skipped, err := s.request(proto.FileCopyFileCmd, proto.FileCopyFile{
		Path:   file.Name,
		Size:   file.Size,
		Owner:  md.owner,
		Group:  md.group,
		Perms:  md.perms,
		Xattrs: md.xattrs,
	})
	if err != nil {
		return err
	}

	if skipped {
		logger.Debug("File exists on target", logger.Ctx{"path": file.Name})
		s.progress.Add(file.Size)
		return nil
	}

	buf := make([]byte, min(uint64(s.ChunkSize), max(file.Size, 1)))
	remaining := file.Size

	for {
		n := min(uint64(len(buf)), remaining)

		_, err := io.ReadFull(f, buf[:n])
		if err != nil {
			return fmt.Errorf("Failed reading %q: %w", file.Path, err)
		}

		remaining -= n

		_, err = s.request(proto.FileCopyFileChunkCmd, proto.FileCopyChunk{Last: remaining == 0}, buf[:n])
		if err != nil {
			return err
		}

		s.progress.Add(n)

		if remaining == 0 {
			return nil
		}

		if s.cancelled.Load() {
			return api.ErrCancelled
		}
	}
}

// request sends one file copy command and waits for its acknowledgement.
// It returns true when the target reported the item as already existing.
func (s *Source) request(t proto.CommandID, body any, data ...[]byte) (bool, error) {
	p, err := proto.NewFileCopyPackage(t, body, data...)
	if err != nil {
		return false, err
	}

	p.Header.ParentID = s.Parent

	h := s.Jobs.Send(s.Conn, p)
	defer s.Jobs.Release(h)

	s.mu.Lock()
	s.current = h
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.current = jobs.Handle{}
		s.mu.Unlock()
	}()

	if s.cancelled.Load() {
		return false, api.ErrCancelled
	}

	reply, err := s.Jobs.Await(h, t.String(), s.Timeout)
	if err != nil {
		return false, err
	}

	var res proto.FileCopyResult
	err = proto.ParseFileCopy(reply, &res)
	if err != nil {
		return false, api.ResultErrorf(api.FileCopyProtocol, "Invalid reply to %s: %v", t, err)
	}

	if reply.Header.Type == proto.FileCopyError {
		if res.Code == api.Success {
			res.Code = api.Failure
		}

		return false, res.Err()
	}

	if res.Code == api.FileExists {
		return true, nil
	}

	return false, res.Err()
}

func (s *Source) sendCancel() {
	p, err := proto.NewFileCopyPackage(proto.FileCopyCancelCmd, nil)
	if err != nil {
		return
	}

	p.Header.ParentID = s.Parent
	s.Jobs.SendAndForget(s.Conn, p)
}
