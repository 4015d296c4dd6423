package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Magic opens every encoded package.
const Magic uint32 = 0x565a4450 // "VZDP"

// fixedHeaderLen covers magic, type, id, parent id and buffer count.
const fixedHeaderLen = 4 + 4 + 16 + 16 + 4

// Decoding errors.
var (
	ErrBadMagic        = errors.New("package: bad magic")
	ErrShortHeader     = errors.New("package: short header")
	ErrTooManyBuffers  = errors.New("package: too many buffers")
	ErrBufferTooLarge  = errors.New("package: buffer too large")
	ErrPackageTooLarge = errors.New("package: total size too large")
)

// Header is the fixed part of a package.
type Header struct {
	Type     CommandID
	ID       uuid.UUID
	ParentID uuid.UUID
}

// Package is the unit of dispatcher-to-dispatcher communication.
type Package struct {
	Header  Header
	Buffers [][]byte
}

// Limits constrains package decode/encode memory use.
type Limits struct {
	MaxBuffers    uint32
	MaxBufferSize uint32
	MaxTotalSize  uint64
}

// DefaultLimits fits a file copy chunk with generous headroom.
func DefaultLimits() Limits {
	return Limits{
		MaxBuffers:    16,
		MaxBufferSize: 32 * 1024 * 1024,
		MaxTotalSize:  64 * 1024 * 1024,
	}
}

// NewPackage returns a package of the given type with a fresh id.
func NewPackage(t CommandID, buffers ...[]byte) *Package {
	return &Package{
		Header: Header{
			Type: t,
			ID:   uuid.New(),
		},
		Buffers: buffers,
	}
}

// NewReply returns a package of the given type correlated with parent.
func NewReply(parent *Package, t CommandID, buffers ...[]byte) *Package {
	p := NewPackage(t, buffers...)
	p.Header.ParentID = parent.Header.ID

	return p
}

// Buffer returns the i-th buffer or nil when the package carries fewer.
func (p *Package) Buffer(i int) []byte {
	if i < 0 || i >= len(p.Buffers) {
		return nil
	}

	return p.Buffers[i]
}

// IsReply returns true if the package is correlated with an earlier one.
func (p *Package) IsReply() bool {
	return p.Header.ParentID != uuid.Nil
}

// Size returns the number of payload bytes.
func (p *Package) Size() uint64 {
	var size uint64
	for _, b := range p.Buffers {
		size += uint64(len(b))
	}

	return size
}

// Wipe zeroes every buffer in place.
func (p *Package) Wipe() {
	for _, b := range p.Buffers {
		clear(b)
	}
}

// String returns a short description suitable for logging.
func (p *Package) String() string {
	return fmt.Sprintf("%s id=%s buffers=%d", p.Header.Type, p.Header.ID, len(p.Buffers))
}

// Encode writes p to w.
func Encode(w io.Writer, p *Package, limits Limits) error {
	if uint32(len(p.Buffers)) > limits.MaxBuffers {
		return ErrTooManyBuffers
	}

	if p.Size() > limits.MaxTotalSize {
		return ErrPackageTooLarge
	}

	head := make([]byte, fixedHeaderLen+4*len(p.Buffers))
	binary.BigEndian.PutUint32(head[0:4], Magic)
	binary.BigEndian.PutUint32(head[4:8], uint32(p.Header.Type))
	copy(head[8:24], p.Header.ID[:])
	copy(head[24:40], p.Header.ParentID[:])
	binary.BigEndian.PutUint32(head[40:44], uint32(len(p.Buffers)))

	for i, b := range p.Buffers {
		if uint64(len(b)) > uint64(limits.MaxBufferSize) {
			return ErrBufferTooLarge
		}

		binary.BigEndian.PutUint32(head[fixedHeaderLen+4*i:], uint32(len(b)))
	}

	_, err := w.Write(head)
	if err != nil {
		return err
	}

	for _, b := range p.Buffers {
		if len(b) == 0 {
			continue
		}

		_, err = w.Write(b)
		if err != nil {
			return err
		}
	}

	return nil
}

// Decode reads one package from r.
func Decode(r io.Reader, limits Limits) (*Package, error) {
	var fixed [fixedHeaderLen]byte

	_, err := io.ReadFull(r, fixed[:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}

		return nil, err
	}

	if binary.BigEndian.Uint32(fixed[0:4]) != Magic {
		return nil, ErrBadMagic
	}

	p := &Package{}
	p.Header.Type = CommandID(binary.BigEndian.Uint32(fixed[4:8]))
	copy(p.Header.ID[:], fixed[8:24])
	copy(p.Header.ParentID[:], fixed[24:40])

	count := binary.BigEndian.Uint32(fixed[40:44])
	if count > limits.MaxBuffers {
		return nil, ErrTooManyBuffers
	}

	sizes := make([]byte, 4*count)
	_, err = io.ReadFull(r, sizes)
	if err != nil {
		return nil, fmt.Errorf("package: reading buffer sizes: %w", err)
	}

	var total uint64
	p.Buffers = make([][]byte, count)
	for i := range p.Buffers {
		size := binary.BigEndian.Uint32(sizes[4*i:])
		if size > limits.MaxBufferSize {
			return nil, ErrBufferTooLarge
		}

		total += uint64(size)
		if total > limits.MaxTotalSize {
			return nil, ErrPackageTooLarge
		}

		p.Buffers[i] = make([]byte, size)
	}

	for i := range p.Buffers {
		_, err = io.ReadFull(r, p.Buffers[i])
		if err != nil {
			return nil, fmt.Errorf("package: reading buffer %d: %w", i, err)
		}
	}

	return p, nil
}

// MarshalBinary encodes the package with the default limits.
func (p *Package) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}

	err := Encode(buf, p, DefaultLimits())
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the package with the default limits.
func (p *Package) UnmarshalBinary(data []byte) error {
	decoded, err := Decode(bytes.NewReader(data), DefaultLimits())
	if err != nil {
		return err
	}

	*p = *decoded

	return nil
}
