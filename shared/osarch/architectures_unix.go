//go:build unix

package osarch

import (
	"golang.org/x/sys/unix"
)

// ArchitectureGetLocal returns the machine name reported by uname.
func ArchitectureGetLocal() (string, error) {
	var uname unix.Utsname

	err := unix.Uname(&uname)
	if err != nil {
		return "", err
	}

	return unix.ByteSliceToString(uname.Machine[:]), nil
}
