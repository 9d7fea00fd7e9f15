package tchannel

import "hash/crc32"

// ChecksumType identifies the checksum algorithm carried alongside a call's
// fragments, mirroring the teacher's fragmentation.go ChecksumType/Checksum
// pair but trimmed to what this spec actually needs.
type ChecksumType byte

const (
	ChecksumTypeNone  ChecksumType = 0
	ChecksumTypeCrc32 ChecksumType = 1
)

// ChecksumSize returns the number of checksum bytes this type occupies on
// the wire.
func (t ChecksumType) ChecksumSize() int {
	switch t {
	case ChecksumTypeCrc32:
		return 4
	default:
		return 0
	}
}

// New returns a fresh running Checksum for this type.
func (t ChecksumType) New() Checksum {
	switch t {
	case ChecksumTypeCrc32:
		return &crc32Checksum{}
	default:
		return noneChecksum{}
	}
}

// Checksum accumulates bytes across fragments of a single call and
// produces a final digest.
type Checksum interface {
	TypeCode() ChecksumType
	Add(b []byte)
	Sum() []byte
}

type noneChecksum struct{}

func (noneChecksum) TypeCode() ChecksumType { return ChecksumTypeNone }
func (noneChecksum) Add([]byte)             {}
func (noneChecksum) Sum() []byte            { return nil }

type crc32Checksum struct {
	sum uint32
}

func (c *crc32Checksum) TypeCode() ChecksumType { return ChecksumTypeCrc32 }

func (c *crc32Checksum) Add(b []byte) {
	c.sum = crc32.Update(c.sum, crc32.IEEETable, b)
}

func (c *crc32Checksum) Sum() []byte {
	out := make([]byte, 4)
	out[0] = byte(c.sum >> 24)
	out[1] = byte(c.sum >> 16)
	out[2] = byte(c.sum >> 8)
	out[3] = byte(c.sum)
	return out
}
