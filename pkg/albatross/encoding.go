// Package albatross defines the micro/macro block types of the validator
// chain core: headers, bodies, proofs, and the canonical binary encoding
// used for both hashing and signing pre-images.
package albatross

import (
	"encoding/binary"
	"fmt"
)

// Canonical encoding: fixed-width big-endian integers with explicit
// length prefixes ahead of every variable-length field. No reflection,
// no self-describing type tags — a reader must know the shape it is
// decoding. (pkg/tx's SigningBytes follows the same hand-written style but
// writes little-endian integers.)

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *encoder) bytes32(v [32]byte) {
	e.buf = append(e.buf, v[:]...)
}

// blob writes a length-prefixed (uint32) byte slice.
func (e *encoder) blob(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.pos
}

func (d *decoder) u8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, fmt.Errorf("albatross: decode u8: %w", errShortBuffer)
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) u16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, fmt.Errorf("albatross: decode u16: %w", errShortBuffer)
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, fmt.Errorf("albatross: decode u32: %w", errShortBuffer)
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, fmt.Errorf("albatross: decode u64: %w", errShortBuffer)
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) bytes32() ([32]byte, error) {
	var out [32]byte
	if d.remaining() < 32 {
		return out, fmt.Errorf("albatross: decode bytes32: %w", errShortBuffer)
	}
	copy(out[:], d.buf[d.pos:d.pos+32])
	d.pos += 32
	return out, nil
}

// maxBlobLen bounds length-prefixed reads against a corrupt or hostile
// length field before it is used to slice the buffer.
const maxBlobLen = 64 << 20

func (d *decoder) blob() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > maxBlobLen {
		return nil, fmt.Errorf("albatross: blob length %d exceeds limit", n)
	}
	if d.remaining() < int(n) {
		return nil, fmt.Errorf("albatross: decode blob: %w", errShortBuffer)
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return out, nil
}

var errShortBuffer = fmt.Errorf("short buffer")
