package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// NewFragment wraps data read from a tunnel channel.
// An empty data slice marks the end of the channel.
func NewFragment(parent uuid.UUID, channel uint16, data []byte) *Package {
	id := make([]byte, 2)
	binary.BigEndian.PutUint16(id, channel)

	p := NewPackage(CtMigrateCmd, id, data)
	p.Header.ParentID = parent

	return p
}

// ParseFragment returns the channel id and payload of a tunnel fragment.
func ParseFragment(p *Package) (uint16, []byte, error) {
	if p.Header.Type != CtMigrateCmd {
		return 0, nil, fmt.Errorf("%s is not a tunnel fragment", p.Header.Type)
	}

	if len(p.Buffers) < 2 || len(p.Buffers[0]) != 2 {
		return 0, nil, fmt.Errorf("Malformed tunnel fragment")
	}

	return binary.BigEndian.Uint16(p.Buffers[0]), p.Buffers[1], nil
}
