package migration

// Flags carried in MigrateRequest.MigrationFlags.
const (
	// FlagDontResume leaves the source VM suspended when the migration fails.
	FlagDontResume uint32 = 1 << 0

	FlagTunnelProxy uint32 = 1 << 1

	// FlagRemoveSource deletes the source bundle once the target has committed.
	FlagRemoveSource uint32 = 1 << 2

	// FlagClone keeps the source registered and resumes it after the copy.
	FlagClone uint32 = 1 << 3

	// FlagChangeID lets the target register the copy under a new identity.
	FlagChangeID uint32 = 1 << 4

	// FlagIgnoreHardware skips the CPU compatibility checks on the target.
	FlagIgnoreHardware uint32 = 1 << 5
)

// Flags carried in MigrateRequest.ReservedFlags.
const (
	ReservedDontCopyVM   uint32 = 1 << 1
	ReservedISCSIStorage uint32 = 1 << 2
	ReservedFullDispTask uint32 = 1 << 3
	ReservedCtMigrate    uint32 = 1 << 4
	ReservedHAMoveVM     uint32 = 1 << 5
)

func has(flags uint32, flag uint32) bool {
	return flags&flag != 0
}
