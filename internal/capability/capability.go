// Package capability encodes and decodes the remote-buffer capability record
// carried as connection-manager private data during the handshake.
//
// Two fixed big-endian layouts exist:
//
//	basic: addr u64 | rkey u32            (12 bytes)
//	bulk:  addr u64 | rkey u32 | len u64  (20 bytes)
package capability

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record sizes on the wire.
const (
	BasicSize = 12
	BulkSize  = 20
)

// ErrShortPayload is returned when a handshake payload is smaller than the
// record it is expected to hold.
var ErrShortPayload = errors.New("capability payload too short")

// Variant selects the wire layout.
type Variant int

const (
	Basic Variant = iota
	Bulk
)

// Size returns the fixed encoded size of the variant.
func (v Variant) Size() int {
	if v == Bulk {
		return BulkSize
	}

	return BasicSize
}

func (v Variant) String() string {
	if v == Bulk {
		return "bulk"
	}

	return "basic"
}

// Record describes a remotely accessible buffer.
type Record struct {
	Addr     uint64
	RKey     uint32
	Capacity uint64 // zero for the basic variant
}

// ShortPayloadError reports how many bytes were received against how many
// the variant needs.
type ShortPayloadError struct {
	Got  int
	Want int
}

func (e *ShortPayloadError) Error() string {
	return fmt.Sprintf("%s: got %d bytes, want %d", ErrShortPayload, e.Got, e.Want)
}

func (e *ShortPayloadError) Is(target error) bool {
	return target == ErrShortPayload
}

// EncodeBasic returns the 12 byte layout for addr and rkey.
func EncodeBasic(addr uint64, rkey uint32) [BasicSize]byte {
	var b [BasicSize]byte
	binary.BigEndian.PutUint64(b[0:8], addr)
	binary.BigEndian.PutUint32(b[8:12], rkey)

	return b
}

// EncodeBulk returns the 20 byte layout for addr, rkey and capacity.
func EncodeBulk(addr uint64, rkey uint32, capacity uint64) [BulkSize]byte {
	var b [BulkSize]byte
	binary.BigEndian.PutUint64(b[0:8], addr)
	binary.BigEndian.PutUint32(b[8:12], rkey)
	binary.BigEndian.PutUint64(b[12:20], capacity)

	return b
}

// Encode serializes r using the requested variant. Capacity is dropped for
// the basic variant.
func (r Record) Encode(v Variant) []byte {
	if v == Bulk {
		b := EncodeBulk(r.Addr, r.RKey, r.Capacity)
		return b[:]
	}

	b := EncodeBasic(r.Addr, r.RKey)

	return b[:]
}

// Decode parses p as the given variant. Payloads longer than the record are
// accepted and the trailing bytes ignored, since connection managers pad
// private data. Shorter payloads fail with a *ShortPayloadError.
func Decode(p []byte, v Variant) (Record, error) {
	if len(p) < v.Size() {
		return Record{}, &ShortPayloadError{Got: len(p), Want: v.Size()}
	}

	r := Record{
		Addr: binary.BigEndian.Uint64(p[0:8]),
		RKey: binary.BigEndian.Uint32(p[8:12]),
	}
	if v == Bulk {
		r.Capacity = binary.BigEndian.Uint64(p[12:20])
	}

	return r, nil
}

// DecodeBasic is shorthand for Decode(p, Basic).
func DecodeBasic(p []byte) (Record, error) {
	return Decode(p, Basic)
}

// DecodeBulk is shorthand for Decode(p, Bulk).
func DecodeBulk(p []byte) (Record, error) {
	return Decode(p, Bulk)
}
