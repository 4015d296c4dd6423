package filecopy

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/xattr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
)

type transfer struct {
	source   *Source
	target   *Target
	progress []int

	mu       sync.Mutex
	received []proto.CommandID
}

func newTransfer(t *testing.T, dst string) *transfer {
	m := jobs.NewManager()
	client, server := jobs.Pipe("source", "target")

	tr := &transfer{target: NewTarget(dst)}
	tr.source = &Source{
		Jobs:      m,
		Conn:      client,
		Parent:    uuid.New(),
		Timeout:   5 * time.Second,
		ChunkSize: 4096,
		Progress:  func(percent int) { tr.progress = append(tr.progress, percent) },
	}

	client.Start(func(p *proto.Package) { m.Deliver(p) }, func() { m.FailConnection("source") })
	server.Start(func(p *proto.Package) {
		tr.mu.Lock()
		tr.received = append(tr.received, p.Header.Type)
		tr.mu.Unlock()

		if p.Header.ParentID != tr.source.Parent {
			t.Errorf("Package %s is not attached to the transfer", p)
		}

		reply, _ := tr.target.HandlePackage(p)
		if reply != nil {
			server.SendPackage(reply, func(error) {})
		}
	}, nil)

	t.Cleanup(func() { _ = client.Close() })

	return tr
}

func writeTree(t *testing.T, root string) map[string][]byte {
	files := map[string][]byte{
		"config.pvs":          []byte("<ParallelsVirtualMachine/>"),
		"empty.log":           {},
		"disk/harddisk.hdd":   bytes.Repeat([]byte("0123456789"), 1500),
		"disk/snapshots/note": []byte("snap"),
	}

	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o640))
	}

	return files
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "bundle")
	files := writeTree(t, src)

	dirs, items, err := BuildItems(src)
	require.NoError(t, err)
	assert.Len(t, dirs, 2)
	assert.Len(t, items, 4)
	assert.Equal(t, uint64(15030), TotalSize(items))

	tr := newTransfer(t, dst)
	err = tr.source.Copy(context.Background(), dirs, items)
	require.NoError(t, err)

	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err)
		assert.Equal(t, content, got, name)

		info, err := os.Stat(filepath.Join(dst, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	}

	require.NotEmpty(t, tr.progress)
	assert.Equal(t, 0, tr.progress[0])
	assert.Equal(t, 100, tr.progress[len(tr.progress)-1])
	for i := 1; i < len(tr.progress); i++ {
		assert.Greater(t, tr.progress[i], tr.progress[i-1])
	}

	assert.True(t, tr.target.Done())
	assert.NoError(t, tr.target.Err())
}

func TestCopyExistingItems(t *testing.T) {
	tests := []struct {
		name      string
		overwrite bool
		want      string
	}{
		{name: "skip", want: "old"},
		{name: "overwrite", overwrite: true, want: "<ParallelsVirtualMachine/>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := t.TempDir()
			dst := t.TempDir()
			writeTree(t, src)
			require.NoError(t, os.WriteFile(filepath.Join(dst, "config.pvs"), []byte("old"), 0o600))
			require.NoError(t, os.MkdirAll(filepath.Join(dst, "disk"), 0o755))

			dirs, items, err := BuildItems(src)
			require.NoError(t, err)

			tr := newTransfer(t, dst)
			tr.source.Overwrite = tt.overwrite

			err = tr.source.Copy(context.Background(), dirs, items)
			require.NoError(t, err)

			got, err := os.ReadFile(filepath.Join(dst, "config.pvs"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))

			_, err = os.Stat(filepath.Join(dst, "disk", "harddisk.hdd"))
			assert.NoError(t, err)
			assert.Equal(t, 100, tr.progress[len(tr.progress)-1])
		})
	}
}

func TestCopyTargetError(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	dirs, items, err := BuildItems(src)
	require.NoError(t, err)

	tr := newTransfer(t, filepath.Join(blocker, "bundle"))
	err = tr.source.Copy(context.Background(), dirs, items)
	require.Error(t, err)
	assert.Equal(t, api.FileAccessDenied, api.ResultCodeOf(err))
	assert.Contains(t, err.Error(), "bundle")
}

func TestCopyCancel(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeTree(t, src)

	dirs, items, err := BuildItems(src)
	require.NoError(t, err)

	tr := newTransfer(t, dst)
	tr.source.Progress = func(percent int) {
		if percent > 0 {
			tr.source.Cancel()
		}
	}

	err = tr.source.Copy(context.Background(), dirs, items)
	assert.True(t, errors.Is(err, api.ErrCancelled))

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()

		return len(tr.received) > 0 && tr.received[len(tr.received)-1] == proto.FileCopyCancelCmd
	}, 5*time.Second, 10*time.Millisecond)

	assert.NotContains(t, tr.received, proto.FileCopyFinishCmd)
}

func TestCopyContextCancelled(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	dirs, items, err := BuildItems(src)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := newTransfer(t, t.TempDir())
	err = tr.source.Copy(ctx, dirs, items)
	assert.True(t, api.IsCancelled(err))
}

func fileCopy(t *testing.T, cmd proto.CommandID, body any, data ...[]byte) *proto.Package {
	p, err := proto.NewFileCopyPackage(cmd, body, data...)
	require.NoError(t, err)

	return p
}

func replyCode(t *testing.T, p *proto.Package) (proto.CommandID, api.ResultCode) {
	require.NotNil(t, p)

	var res proto.FileCopyResult
	require.NoError(t, proto.ParseFileCopy(p, &res))

	return p.Header.Type, res.Code
}

func TestTargetProtocol(t *testing.T) {
	first := proto.FileCopyFirst{Version: Version, Platform: proto.LocalPlatform()}

	t.Run("escaping path", func(t *testing.T) {
		target := NewTarget(t.TempDir())

		reply, _ := target.HandlePackage(fileCopy(t, proto.FileCopyFirstRequest, first))
		typ, code := replyCode(t, reply)
		assert.Equal(t, proto.FileCopyFirstReply, typ)
		assert.Equal(t, api.Success, code)

		reply, _ = target.HandlePackage(fileCopy(t, proto.FileCopyDirCmd, proto.FileCopyDir{Path: "../evil"}))
		typ, code = replyCode(t, reply)
		assert.Equal(t, proto.FileCopyError, typ)
		assert.Equal(t, api.InvalidArgument, code)

		// Every later package repeats the first error.
		reply, _ = target.HandlePackage(fileCopy(t, proto.FileCopyDirCmd, proto.FileCopyDir{Path: "fine"}))
		_, code = replyCode(t, reply)
		assert.Equal(t, api.InvalidArgument, code)

		reply, done := target.HandlePackage(fileCopy(t, proto.FileCopyFinishCmd, nil))
		_, code = replyCode(t, reply)
		assert.Equal(t, api.InvalidArgument, code)
		assert.True(t, done)
	})

	t.Run("file header while writing", func(t *testing.T) {
		root := t.TempDir()
		target := NewTarget(root)

		target.HandlePackage(fileCopy(t, proto.FileCopyFirstRequest, first))

		reply, _ := target.HandlePackage(fileCopy(t, proto.FileCopyFileCmd, proto.FileCopyFile{Path: "a", Size: 10}))
		typ, code := replyCode(t, reply)
		assert.Equal(t, proto.FileCopyFileReplyCmd, typ)
		assert.Equal(t, api.Success, code)

		reply, _ = target.HandlePackage(fileCopy(t, proto.FileCopyFileChunkCmd, proto.FileCopyChunk{}, []byte("01234")))
		_, code = replyCode(t, reply)
		assert.Equal(t, api.Success, code)

		reply, _ = target.HandlePackage(fileCopy(t, proto.FileCopyFileCmd, proto.FileCopyFile{Path: "b", Size: 1}))
		_, code = replyCode(t, reply)
		assert.Equal(t, api.InternalProtocolError, code)

		// The partial file stays.
		content, err := os.ReadFile(filepath.Join(root, "a"))
		require.NoError(t, err)
		assert.Equal(t, "01234", string(content))
	})

	t.Run("data before first request", func(t *testing.T) {
		target := NewTarget(t.TempDir())

		reply, _ := target.HandlePackage(fileCopy(t, proto.FileCopyDirCmd, proto.FileCopyDir{Path: "a"}))
		_, code := replyCode(t, reply)
		assert.Equal(t, api.InternalProtocolError, code)
	})

	t.Run("unsupported version", func(t *testing.T) {
		target := NewTarget(t.TempDir())

		reply, _ := target.HandlePackage(fileCopy(t, proto.FileCopyFirstRequest, proto.FileCopyFirst{Version: "2"}))
		_, code := replyCode(t, reply)
		assert.Equal(t, api.FileCopyProtocol, code)
	})

	t.Run("unsupported platform", func(t *testing.T) {
		target := NewTarget(t.TempDir())

		reply, _ := target.HandlePackage(fileCopy(t, proto.FileCopyFirstRequest, proto.FileCopyFirst{Version: Version, Platform: proto.PlatformWindows}))
		typ, code := replyCode(t, reply)
		assert.Equal(t, proto.FileCopyError, typ)
		assert.Equal(t, api.UnsupportedPlatform, code)

		// Nothing else is accepted afterwards.
		reply, _ = target.HandlePackage(fileCopy(t, proto.FileCopyDirCmd, proto.FileCopyDir{Path: "a"}))
		_, code = replyCode(t, reply)
		assert.Equal(t, api.UnsupportedPlatform, code)
	})

	t.Run("oversized chunk", func(t *testing.T) {
		target := NewTarget(t.TempDir())

		target.HandlePackage(fileCopy(t, proto.FileCopyFirstRequest, first))
		target.HandlePackage(fileCopy(t, proto.FileCopyFileCmd, proto.FileCopyFile{Path: "a", Size: 2}))

		reply, _ := target.HandlePackage(fileCopy(t, proto.FileCopyFileChunkCmd, proto.FileCopyChunk{Last: true}, []byte("abc")))
		_, code := replyCode(t, reply)
		assert.Equal(t, api.FileCopyProtocol, code)
	})

	t.Run("cancel", func(t *testing.T) {
		target := NewTarget(t.TempDir())

		target.HandlePackage(fileCopy(t, proto.FileCopyFirstRequest, first))

		reply, done := target.HandlePackage(fileCopy(t, proto.FileCopyCancelCmd, nil))
		assert.Nil(t, reply)
		assert.True(t, done)
		assert.True(t, api.IsCancelled(target.Err()))
	})
}

func TestCopyXattrs(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	path := filepath.Join(src, "tagged")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	err := xattr.Set(path, "user.vzdispatch", []byte("kept"))
	if err != nil {
		t.Skipf("Extended attributes not supported: %v", err)
	}

	dirs, items, err := BuildItems(src)
	require.NoError(t, err)

	tr := newTransfer(t, dst)
	require.NoError(t, tr.source.Copy(context.Background(), dirs, items))

	value, err := xattr.Get(filepath.Join(dst, "tagged"), "user.vzdispatch")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(value))
}
