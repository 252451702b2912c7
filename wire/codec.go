package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// frameHeaderSize is the fixed prefix on every frame: a packet-type tag
// followed by the byte length of everything after it.
const frameHeaderSize = 8

func putU8(buf *bytes.Buffer, v uint8)   { buf.WriteByte(v) }
func putU16(buf *bytes.Buffer, v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); buf.Write(b[:]) }
func putU32(buf *bytes.Buffer, v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); buf.Write(b[:]) }

// putString writes a uint32 byte-length prefix followed by the raw bytes.
func putString(buf *bytes.Buffer, s string) {
	putU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// putBytes writes a uint32 byte-length prefix followed by raw data. Used
// both for fixed structural slices and for OUT/IN transfer payloads.
func putBytes(buf *bytes.Buffer, data []byte) {
	putU32(buf, uint32(len(data)))
	buf.Write(data)
}

// decoder reads sequentially from one frame's payload, tracking the first
// error so callers don't need to check after every field.
type decoder struct {
	b   []byte
	off int
	err error
}

func newDecoder(b []byte) *decoder { return &decoder{b: b} }

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.b) {
		d.err = fmt.Errorf("wire: short frame: need %d bytes at offset %d, have %d", n, d.off, len(d.b))
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

func (d *decoder) bool8() bool { return d.u8() != 0 }

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.b[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) str() string {
	n := int(d.u32())
	if !d.need(n) {
		return ""
	}
	s := string(d.b[d.off : d.off+n])
	d.off += n
	return s
}

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if !d.need(n) {
		return nil
	}
	out := append([]byte(nil), d.b[d.off:d.off+n]...)
	d.off += n
	return out
}
