package migration

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/canonical/vzdispatch/dispatcher/instance"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/osarch"
)

// Failure is one failed precondition.
type Failure struct {
	Code    api.ResultCode
	Message string
}

// Failures aggregates every failed precondition of a check.
type Failures []Failure

func (f *Failures) add(code api.ResultCode, format string, args ...any) {
	*f = append(*f, Failure{Code: code, Message: fmt.Sprintf(format, args...)})
}

// Code returns the code of the first failure, or Success.
func (f Failures) Code() api.ResultCode {
	if len(f) == 0 {
		return api.Success
	}

	return f[0].Code
}

// Messages returns the failure descriptions in check order.
func (f Failures) Messages() []string {
	messages := make([]string, 0, len(f))
	for _, failure := range f {
		messages = append(messages, failure.Message)
	}

	return messages
}

// Err returns nil if no check failed.
func (f Failures) Err() error {
	if len(f) == 0 {
		return nil
	}

	return api.ResultErrorf(f.Code(), "%s", strings.Join(f.Messages(), "; "))
}

// Checker validates incoming migrations against the local host.
type Checker struct {
	Instances  instance.Registry
	Host       instance.Host
	BundlesDir string
}

// HomePath returns where the bundle of an incoming migration is stored.
func (c *Checker) HomePath(req proto.MigrateRequest) string {
	if req.TargetHomePath != "" {
		return req.TargetHomePath
	}

	return filepath.Join(c.BundlesDir, targetName(req))
}

func targetName(req proto.MigrateRequest) string {
	if req.TargetVMName != "" {
		return req.TargetVMName
	}

	if req.VMName != "" {
		return req.VMName
	}

	return req.VMID
}

// CheckVM runs every virtual machine precondition and never stops at the first failure.
func (c *Checker) CheckVM(cmd proto.VMCheckPreconditions) Failures {
	var failures Failures

	live := instance.State(cmd.PrevState) == instance.StateRunning
	if live && !has(cmd.MigrationFlags, FlagIgnoreHardware) {
		c.checkHardware(&failures, cmd.SourceHardware, cmd.CPUCount)
	}

	c.checkDisk(&failures, c.HomePath(cmd.MigrateRequest), cmd.RequiredDiskSpace)

	if cmd.StorageInfo != "" {
		err := c.Host.StorageReachable(cmd.StorageInfo)
		if err != nil {
			failures.add(api.StorageUnreachable, "Shared storage %q is unreachable: %v", cmd.StorageInfo, err)
		}
	}

	c.checkConflicts(&failures, cmd.MigrateRequest, api.VMAlreadyExists)

	return failures
}

// CheckCT runs every container precondition.
func (c *Checker) CheckCT(cmd proto.CtMigrateCheckPreconditions) Failures {
	var failures Failures

	c.checkDisk(&failures, c.HomePath(cmd.MigrateRequest), cmd.RequiredDiskSpace)
	c.checkConflicts(&failures, cmd.MigrateRequest, api.TargetExists)

	return failures
}

func (c *Checker) checkHardware(failures *Failures, source proto.HostHardware, cpus uint32) {
	local, err := c.Host.Hardware()
	if err != nil {
		failures.add(api.Failure, "Failed reading host hardware: %v", err)
		return
	}

	if source.Architecture != "" && local.Architecture != "" && !osarch.CanRun(local.Architecture, source.Architecture) {
		failures.add(api.CPUIncompatible, "Host architecture %q can't run %q instances", local.Architecture, source.Architecture)
	}

	if source.CPUVendor != "" && source.CPUVendor != local.CPUVendor {
		failures.add(api.CPUIncompatible, "CPU vendor %q differs from the source vendor %q", local.CPUVendor, source.CPUVendor)
	}

	missing := []string{}
	for _, feature := range source.CPUFeatures {
		if !slices.Contains(local.CPUFeatures, feature) {
			missing = append(missing, feature)
		}
	}

	if len(missing) > 0 {
		failures.add(api.CPUIncompatible, "CPU lacks features used by the source: %s", strings.Join(missing, " "))
	}

	if cpus > local.CPUCount {
		failures.add(api.CPUIncompatible, "Instance needs %d CPUs, host has %d", cpus, local.CPUCount)
	}
}

func (c *Checker) checkDisk(failures *Failures, path string, required uint64) {
	if required == 0 {
		return
	}

	free, err := c.Host.FreeSpace(path)
	if err != nil {
		failures.add(api.Failure, "Failed reading free space of %q: %v", path, err)
		return
	}

	if free < required {
		failures.add(api.NoDiskSpace, "Not enough disk space in %q: %s required, %s available", path, humanize.IBytes(required), humanize.IBytes(free))
	}
}

func (c *Checker) checkConflicts(failures *Failures, req proto.MigrateRequest, code api.ResultCode) {
	if !has(req.MigrationFlags, FlagChangeID) {
		_, err := c.Instances.Get(req.VMID)
		if err == nil {
			failures.add(code, "Instance %q is already registered", req.VMID)
		}
	}

	name := targetName(req)
	other, err := c.Instances.GetByName(name)
	if err == nil && (other.ID != req.VMID || has(req.MigrationFlags, FlagChangeID)) {
		failures.add(code, "Instance name %q is already used by %q", name, other.ID)
	}
}
