//go:build linux

package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vzdispatch/dispatcher/instance"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
)

// tool writes a script acting as the client when called with the "peer"
// host and as the server otherwise.
func tool(t *testing.T, client string, server string) string {
	path := filepath.Join(t.TempDir(), "vzmigrate")
	body := "#!/bin/sh\ncase \" $* \" in\n*\" peer \"*) " + client + " ;;\n*) " + server + " ;;\nesac\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))

	return path
}

func (h *harness) addCT(t *testing.T) {
	home := filepath.Join(t.TempDir(), "private", "101")
	require.NoError(t, os.MkdirAll(home, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "rootfs.img"), make([]byte, 2048), 0o600))

	require.NoError(t, h.src.Register(instance.Instance{
		ID:    "101",
		Name:  "ct101",
		Kind:  instance.KindContainer,
		Home:  home,
		State: instance.StateStopped,
	}))
}

func TestMigrateCT(t *testing.T) {
	h := newHarness(t)
	h.addCT(t)

	out := filepath.Join(t.TempDir(), "received")
	path := tool(t, `printf payload >&4`, `cat <&4 > "`+out+`"`)
	h.manager.ToolPath = path
	h.source.ToolPath = path

	res := h.source.MigrateCT(context.Background(), Request{ID: "101", TargetHost: "peer"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, StateCommitted, h.outcome(t).State)

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))

	inst, err := h.dst.Get("101")
	require.NoError(t, err)
	assert.Equal(t, instance.KindContainer, inst.Kind)
	assert.False(t, inst.Reserved)

	_, err = h.src.Get("101")
	assert.Error(t, err)
	assert.True(t, h.sent(proto.CtMigrateCheckPreconditionsCmd))
}

func TestMigrateCTTargetToolFails(t *testing.T) {
	h := newHarness(t)
	h.addCT(t)

	path := tool(t, `exit 0`, `exit 9`)
	h.manager.ToolPath = path
	h.source.ToolPath = path

	res := h.source.MigrateCT(context.Background(), Request{ID: "101", TargetHost: "peer"})
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, api.TargetExists, res.Code)

	target := h.outcome(t)
	assert.Equal(t, api.TargetExists, target.Code)

	_, err := h.dst.Get("101")
	assert.Error(t, err)

	inst, err := h.src.Get("101")
	require.NoError(t, err)
	assert.Equal(t, instance.StateStopped, inst.State)
	assert.True(t, h.src.Watched("101"))
}

func TestMigrateCTCheckFails(t *testing.T) {
	h := newHarness(t)
	h.addCT(t)
	require.NoError(t, h.dst.Register(instance.Instance{ID: "101", Name: "other", Kind: instance.KindContainer}))

	res := h.source.MigrateCT(context.Background(), Request{ID: "101", TargetHost: "peer"})
	assert.Equal(t, api.TargetExists, res.Code)
	assert.ErrorContains(t, res.Err, "already registered")
	assert.False(t, h.sent(proto.CtMigrateStartCmd))
}

func TestArguments(t *testing.T) {
	start := proto.CtMigrateStart{
		MigrateRequest: proto.MigrateRequest{VMID: "101", PrevState: string(instance.StateRunning)},
		NewCtID:        "202",
		NewPrivate:     "/vz/private/202",
	}

	assert.Equal(t, []string{"--online", "--nonsharedfs", "localhost", "101", "--new-id=202", "--new-private=/vz/private/202"}, targetArgs(start))

	r := &run{
		inst: instance.Instance{ID: "101", Name: "ct101"},
		prev: instance.StateRunning,
		req:  Request{MigrationFlags: FlagClone | FlagRemoveSource, TargetName: "ct202", TargetHost: "peer"},
	}

	assert.Equal(t, []string{"--keep-src", "--remove-area", "yes", "--new-name=ct202", "--online", "--nonsharedfs", "peer", "101"}, r.sourceArgs())
}
