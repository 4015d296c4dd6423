package proto

import (
	"fmt"
)

// CommandID is the numeric type carried in every package header.
type CommandID uint32

// DispToDispRangeStart is the base of all dispatcher-to-dispatcher command ids.
const DispToDispRangeStart CommandID = 5000

// Connection level commands.
const (
	UnknownCmd   CommandID = 0
	AuthorizeCmd           = DispToDispRangeStart + 1
	LogoffCmd              = DispToDispRangeStart + 2
	ResponseCmd            = DispToDispRangeStart + 3
)

// File copy sub-protocol. Range bounds are exclusive.
const (
	FileCopyRangeStart   = DispToDispRangeStart + 400
	FileCopyFirstRequest = FileCopyRangeStart + 1
	FileCopyFirstReply   = FileCopyRangeStart + 2
	FileCopyCancelCmd    = FileCopyRangeStart + 3
	FileCopyFileReplyCmd = FileCopyRangeStart + 4
	FileCopyDirCmd       = FileCopyRangeStart + 5
	FileCopyFileCmd      = FileCopyRangeStart + 6
	FileCopyFileChunkCmd = FileCopyRangeStart + 7
	FileCopyFinishCmd    = FileCopyRangeStart + 8
	FileCopyReply        = FileCopyRangeStart + 9
	FileCopyError        = FileCopyRangeStart + 10
	FileCopyRangeEnd     = DispToDispRangeStart + 499
)

// Virtual machine migration.
const (
	VMMigrateCheckPreconditionsCmd   = DispToDispRangeStart + 501
	VMMigrateStartCmd                = DispToDispRangeStart + 502
	VMMigrateCancelCmd               = DispToDispRangeStart + 503
	VMMigrateReply                   = DispToDispRangeStart + 504
	VMMigrateCheckPreconditionsReply = DispToDispRangeStart + 505
	VMMigrateMemPageCmd              = DispToDispRangeStart + 506
	VMMigrateFinishCmd               = DispToDispRangeStart + 507
	VMMigrateDiskBlockCmd            = DispToDispRangeStart + 508
	VMMigrateVideoMemViewCmd         = DispToDispRangeStart + 509
	VMMigrateMountImageCmd           = DispToDispRangeStart + 510
)

// Backup family. Not served by this dispatcher but still recognised.
const (
	VMBackupGetTreeCmd        = DispToDispRangeStart + 601
	VMBackupCreateCmd         = DispToDispRangeStart + 602
	VMBackupRestoreCmd        = DispToDispRangeStart + 603
	VMBackupRestoreFirstReply = DispToDispRangeStart + 604
	VMBackupRemoveCmd         = DispToDispRangeStart + 605
	VMBackupGetTreeReply      = DispToDispRangeStart + 606
	VMBackupCreateFirstReply  = DispToDispRangeStart + 607
	VMBackupCreateLocalCmd    = DispToDispRangeStart + 608
	VMBackupAttachCmd         = DispToDispRangeStart + 609
	VMBackupConnectSourceCmd  = DispToDispRangeStart + 610
	ABackupProxyRangeStart    = DispToDispRangeStart + 700
	ABackupProxyRangeEnd      = DispToDispRangeStart + 799
)

// Container migration.
const (
	CtMigrateCmd                     = DispToDispRangeStart + 800
	CopyCtTemplateCmd                = DispToDispRangeStart + 801
	CopyCtTemplateReply              = DispToDispRangeStart + 802
	CtMigrateCheckPreconditionsCmd   = DispToDispRangeStart + 803
	CtMigrateStartCmd                = DispToDispRangeStart + 804
	CtMigrateCheckPreconditionsReply = DispToDispRangeStart + 805
)

// Raw VM migration tunnel. Range bounds are exclusive.
const (
	VMMigrateTunnelRangeStart = DispToDispRangeStart + 900
	VMMigrateTunnelRangeEnd   = DispToDispRangeStart + 999
)

var commandNames = map[CommandID]string{
	AuthorizeCmd:                     "DispToDispAuthorizeCmd",
	LogoffCmd:                        "DispToDispLogoffCmd",
	ResponseCmd:                      "DispToDispResponseCmd",
	FileCopyFirstRequest:             "FileCopyFirstRequest",
	FileCopyFirstReply:               "FileCopyFirstReply",
	FileCopyCancelCmd:                "FileCopyCancelCmd",
	FileCopyFileReplyCmd:             "FileCopyFileReplyCmd",
	FileCopyDirCmd:                   "FileCopyDirCmd",
	FileCopyFileCmd:                  "FileCopyFileCmd",
	FileCopyFileChunkCmd:             "FileCopyFileChunkCmd",
	FileCopyFinishCmd:                "FileCopyFinishCmd",
	FileCopyReply:                    "FileCopyReply",
	FileCopyError:                    "FileCopyError",
	VMMigrateCheckPreconditionsCmd:   "VmMigrateCheckPreconditionsCmd",
	VMMigrateStartCmd:                "VmMigrateStartCmd",
	VMMigrateCancelCmd:               "VmMigrateCancelCmd",
	VMMigrateReply:                   "VmMigrateReply",
	VMMigrateCheckPreconditionsReply: "VmMigrateCheckPreconditionsReply",
	VMMigrateMemPageCmd:              "VmMigrateMemPageCmd",
	VMMigrateFinishCmd:               "VmMigrateFinishCmd",
	VMMigrateDiskBlockCmd:            "VmMigrateDiskBlockCmd",
	VMMigrateVideoMemViewCmd:         "VmMigrateVideoMemViewCmd",
	VMMigrateMountImageCmd:           "VmMigrateMountImageCmd",
	VMBackupGetTreeCmd:               "VmBackupGetTreeCmd",
	VMBackupCreateCmd:                "VmBackupCreateCmd",
	VMBackupRestoreCmd:               "VmBackupRestoreCmd",
	VMBackupRestoreFirstReply:        "VmBackupRestoreFirstReply",
	VMBackupRemoveCmd:                "VmBackupRemoveCmd",
	VMBackupGetTreeReply:             "VmBackupGetTreeReply",
	VMBackupCreateFirstReply:         "VmBackupCreateFirstReply",
	VMBackupCreateLocalCmd:           "VmBackupCreateLocalCmd",
	VMBackupAttachCmd:                "VmBackupAttachCmd",
	VMBackupConnectSourceCmd:         "VmBackupConnectSourceCmd",
	CtMigrateCmd:                     "CtMigrateCmd",
	CopyCtTemplateCmd:                "CopyCtTemplateCmd",
	CopyCtTemplateReply:              "CopyCtTemplateReply",
	CtMigrateCheckPreconditionsCmd:   "CtMigrateCheckPreconditionsCmd",
	CtMigrateStartCmd:                "CtMigrateStartCmd",
	CtMigrateCheckPreconditionsReply: "CtMigrateCheckPreconditionsReply",
}

// String returns the protocol name of the command.
func (c CommandID) String() string {
	name, ok := commandNames[c]
	if ok {
		return name
	}

	switch Classify(c) {
	case ClassBackupProxy:
		return fmt.Sprintf("ABackupProxy+%d", c-ABackupProxyRangeStart)
	case ClassMigrateTunnel:
		return fmt.Sprintf("VmMigrateTunnel+%d", c-VMMigrateTunnelRangeStart)
	}

	return fmt.Sprintf("Command(%d)", uint32(c))
}

// Class groups command ids by the way they are routed.
type Class int

// Command classes.
const (
	ClassCommand Class = iota
	ClassFileCopy
	ClassBackupProxy
	ClassMigrateTunnel
	ClassCtMigrate
)

// Classify maps a command id to its range. Everything outside the four
// reserved ranges is a structured command.
func Classify(id CommandID) Class {
	switch {
	case id > FileCopyRangeStart && id < FileCopyRangeEnd:
		return ClassFileCopy
	case id > ABackupProxyRangeStart && id < ABackupProxyRangeEnd:
		return ClassBackupProxy
	case id > VMMigrateTunnelRangeStart && id < VMMigrateTunnelRangeEnd:
		return ClassMigrateTunnel
	case id == CtMigrateCmd:
		return ClassCtMigrate
	}

	return ClassCommand
}

// IsTransferData returns true for ids that carry bytes in flight rather than structured commands.
func (c Class) IsTransferData() bool {
	return c != ClassCommand
}
