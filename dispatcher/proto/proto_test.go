package proto

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vzdispatch/shared/api"
)

func TestEncodeDecode(t *testing.T) {
	p := NewPackage(FileCopyFileChunkCmd, []byte("body"), []byte{}, bytes.Repeat([]byte{0xaa}, 4096))
	p.Header.ParentID = uuid.New()

	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, p, DefaultLimits()))

	got, err := Decode(buf, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, p.Header, got.Header)
	require.Len(t, got.Buffers, 3)
	assert.Equal(t, []byte("body"), got.Buffers[0])
	assert.Empty(t, got.Buffers[1])
	assert.Equal(t, p.Buffers[2], got.Buffers[2])
	assert.True(t, got.IsReply())
}

func TestDecodeErrors(t *testing.T) {
	valid, err := NewPackage(AuthorizeCmd, []byte("abc")).MarshalBinary()
	require.NoError(t, err)

	badMagic := append([]byte{}, valid...)
	badMagic[0] = 'X'

	tooMany := append([]byte{}, valid...)
	binary.BigEndian.PutUint32(tooMany[40:44], 1000)

	tests := []struct {
		name   string
		data   []byte
		limits Limits
		want   error
	}{
		{name: "short header", data: valid[:10], limits: DefaultLimits(), want: ErrShortHeader},
		{name: "bad magic", data: badMagic, limits: DefaultLimits(), want: ErrBadMagic},
		{name: "too many buffers", data: tooMany, limits: DefaultLimits(), want: ErrTooManyBuffers},
		{name: "buffer too large", data: valid, limits: Limits{MaxBuffers: 4, MaxBufferSize: 2, MaxTotalSize: 100}, want: ErrBufferTooLarge},
		{name: "total too large", data: valid, limits: Limits{MaxBuffers: 4, MaxBufferSize: 100, MaxTotalSize: 2}, want: ErrPackageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.data), tt.limits)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = Decode(bytes.NewReader(valid[:len(valid)-1]), DefaultLimits())
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		id   CommandID
		want Class
	}{
		{id: AuthorizeCmd, want: ClassCommand},
		{id: FileCopyRangeStart, want: ClassCommand},
		{id: FileCopyFirstRequest, want: ClassFileCopy},
		{id: FileCopyError, want: ClassFileCopy},
		{id: FileCopyRangeEnd, want: ClassCommand},
		{id: ABackupProxyRangeStart + 5, want: ClassBackupProxy},
		{id: ABackupProxyRangeEnd, want: ClassCommand},
		{id: VMMigrateTunnelRangeStart + 1, want: ClassMigrateTunnel},
		{id: VMMigrateTunnelRangeEnd, want: ClassCommand},
		{id: CtMigrateCmd, want: ClassCtMigrate},
		{id: VMMigrateStartCmd, want: ClassCommand},
	}

	for _, tt := range tests {
		t.Run(tt.id.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.id))
		})
	}
}

func TestParseCommand(t *testing.T) {
	p, err := NewCommandPackage(Authorize{UserName: "root", Password: "secret"})
	require.NoError(t, err)

	cmd, err := ParseCommand(p)
	require.NoError(t, err)
	assert.Equal(t, Authorize{UserName: "root", Password: "secret"}, cmd)

	start := VMStart{
		MigrateRequest: MigrateRequest{VMID: "vm1", DirID: "dir", VMConfig: "<config/>", MigrationFlags: 3},
		SnapshotUUID:   "snap",
	}

	p, err = NewCommandPackage(start)
	require.NoError(t, err)

	cmd, err = ParseCommand(p)
	require.NoError(t, err)
	assert.Equal(t, start, cmd)
}

func TestParseCommandInvalid(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{name: "password login without user", cmd: Authorize{Password: "x"}},
		{name: "session login without uuid", cmd: Authorize{Flags: AuthFlagSessionUUID}},
		{name: "public key without key", cmd: Authorize{Flags: AuthFlagPublicKey, UserName: "root"}},
		{name: "start without vm", cmd: VMStart{MigrateRequest: MigrateRequest{VMConfig: "c"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewCommandPackage(tt.cmd)
			require.NoError(t, err)

			_, err = ParseCommand(p)
			assert.Error(t, err)
		})
	}

	_, err := ParseCommand(NewPackage(AuthorizeCmd))
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = ParseCommand(NewPackage(FileCopyFileChunkCmd))
	assert.ErrorIs(t, err, ErrNotCommand)
}

func TestResponse(t *testing.T) {
	req := NewPackage(VMMigrateStartCmd)
	errInfo := ErrorEvent(api.ResultErrorf(api.NoDiskSpace, "need 2 GB"))

	resp := NewResponse(req, api.NoDiskSpace, errInfo, "first", "second")
	assert.Equal(t, req.Header.ID, resp.Header.ParentID)

	parsed, err := ParseResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, VMMigrateStartCmd, parsed.RequestCommandID)
	assert.Equal(t, []string{"first", "second"}, parsed.Params)
	assert.Equal(t, api.NoDiskSpace, api.ResultCodeOf(parsed.Err()))
	assert.EqualError(t, parsed.Err(), "need 2 GB")

	ok, err := ParseResponse(NewResponse(req, api.Success, Event{}))
	require.NoError(t, err)
	assert.NoError(t, ok.Err())

	_, err = ParseResponse(req)
	assert.Equal(t, api.UnexpectedResponseType, api.ResultCodeOf(err))
}

func TestFragment(t *testing.T) {
	parent := uuid.New()
	p := NewFragment(parent, 3, []byte("data"))

	ch, data, err := ParseFragment(p)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), ch)
	assert.Equal(t, []byte("data"), data)
	assert.Equal(t, parent, p.Header.ParentID)

	_, _, err = ParseFragment(NewPackage(CtMigrateCmd, []byte{1}))
	assert.Error(t, err)
}

func TestFileCopyBody(t *testing.T) {
	file := FileCopyFile{Path: "disk.hdd", Size: 1 << 33, Perms: 0o640, Xattrs: map[string]string{"user.a": "Yg=="}}

	p, err := NewFileCopyPackage(FileCopyFileCmd, file)
	require.NoError(t, err)

	var got FileCopyFile
	require.NoError(t, ParseFileCopy(p, &got))
	assert.Equal(t, file, got)

	_, err = NewFileCopyPackage(AuthorizeCmd, file)
	assert.Error(t, err)

	reply := NewFileCopyResult(p, FileCopyError, api.ResultErrorf(api.FileExists, "disk.hdd exists"))

	var res FileCopyResult
	require.NoError(t, ParseFileCopy(reply, &res))
	assert.Equal(t, api.FileExists, res.Code)
	assert.Equal(t, p.Header.ID, reply.Header.ParentID)
}

func TestWipe(t *testing.T) {
	p := NewPackage(AuthorizeCmd, []byte("password"))
	p.Wipe()

	assert.Equal(t, make([]byte, 8), p.Buffers[0])
}
