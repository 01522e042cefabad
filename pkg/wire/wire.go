// Package wire implements the tagged key/value blob format used for every
// cross-agent byte string the backends exchange: connection info,
// connection request/ack tables, packed memory keys, and notification
// envelopes. The format is a sequence of (tag, length, bytes)
// triples, little-endian on the wire, length-prefixed at every level. A
// reader lists the tags it needs (Decoder.Require) and CheckMandatory
// rejects a blob missing one of them; tags a reader did not ask for are
// ignored, and a blob has no way to mark one of its own tags as mandatory.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Tag is a fixed 4-byte ASCII field identifier.
type Tag [4]byte

// NewTag builds a Tag from a string of at most 4 bytes, right-padded with
// spaces.
func NewTag(s string) Tag {
	var t Tag
	copy(t[:], s)
	for i := len(s); i < 4; i++ {
		t[i] = ' '
	}
	return t
}

func (t Tag) String() string {
	n := 4
	for n > 0 && t[n-1] == ' ' {
		n--
	}
	return string(t[:n])
}

// field is one decoded (tag, bytes) pair.
type field struct {
	tag Tag
	val []byte
}

// Encoder builds a tagged blob field by field, in the order they are added.
type Encoder struct {
	fields []field
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// PutBytes appends a raw byte field.
func (e *Encoder) PutBytes(tag string, v []byte) *Encoder {
	e.fields = append(e.fields, field{tag: NewTag(tag), val: append([]byte(nil), v...)})
	return e
}

// PutString appends a string field.
func (e *Encoder) PutString(tag string, v string) *Encoder {
	return e.PutBytes(tag, []byte(v))
}

// PutUint16 appends a little-endian uint16 field.
func (e *Encoder) PutUint16(tag string, v uint16) *Encoder {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return e.PutBytes(tag, b)
}

// PutUint32 appends a little-endian uint32 field.
func (e *Encoder) PutUint32(tag string, v uint32) *Encoder {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return e.PutBytes(tag, b)
}

// PutUint64 appends a little-endian uint64 field.
func (e *Encoder) PutUint64(tag string, v uint64) *Encoder {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return e.PutBytes(tag, b)
}

// Bytes serializes the accumulated fields into a length-prefixed blob:
// [uint32 field count][ per field: 4-byte tag, uint32 length, bytes ]...
func (e *Encoder) Bytes() []byte {
	total := 4
	for _, f := range e.fields {
		total += 4 + 4 + len(f.val)
	}
	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(e.fields)))
	off := 4
	for _, f := range e.fields {
		copy(out[off:off+4], f.tag[:])
		off += 4
		binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(f.val)))
		off += 4
		copy(out[off:off+len(f.val)], f.val)
		off += len(f.val)
	}
	return out
}

// Decoder reads fields back out of a blob produced by Encoder, tracking
// which mandatory tags (registered via Require) were actually present.
type Decoder struct {
	byTag    map[Tag][]byte
	order    []Tag
	required map[Tag]bool
}

// Decode parses blob into a Decoder. It returns Mismatch-flavored errors
// (see pkg/xfer) for truncated or malformed input; callers that need the
// xfer.Status should wrap the returned error accordingly.
func Decode(blob []byte) (*Decoder, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("wire: blob too short for field count")
	}
	count := binary.LittleEndian.Uint32(blob[0:4])
	off := 4
	d := &Decoder{byTag: make(map[Tag][]byte, count)}
	for i := uint32(0); i < count; i++ {
		if off+8 > len(blob) {
			return nil, fmt.Errorf("wire: truncated field header at field %d", i)
		}
		var tag Tag
		copy(tag[:], blob[off:off+4])
		off += 4
		length := binary.LittleEndian.Uint32(blob[off : off+4])
		off += 4
		if off+int(length) > len(blob) {
			return nil, fmt.Errorf("wire: truncated field value at field %d (tag %s)", i, tag)
		}
		val := blob[off : off+int(length)]
		off += int(length)
		d.byTag[tag] = val
		d.order = append(d.order, tag)
	}
	return d, nil
}

// Require marks tag as mandatory; CheckMandatory fails if it is absent.
func (d *Decoder) Require(tags ...string) *Decoder {
	if d.required == nil {
		d.required = make(map[Tag]bool, len(tags))
	}
	for _, t := range tags {
		d.required[NewTag(t)] = true
	}
	return d
}

// CheckMandatory returns an error naming a required tag absent from the
// decoded blob; when several are absent, which one it names is not defined.
func (d *Decoder) CheckMandatory() error {
	for tag := range d.required {
		if _, ok := d.byTag[tag]; !ok {
			return fmt.Errorf("wire: missing mandatory tag %q", tag.String())
		}
	}
	return nil
}

// Has reports whether tag was present in the blob.
func (d *Decoder) Has(tag string) bool {
	_, ok := d.byTag[NewTag(tag)]
	return ok
}

// Bytes returns the raw value for tag.
func (d *Decoder) Bytes(tag string) []byte {
	return d.byTag[NewTag(tag)]
}

// String returns the value for tag as a string.
func (d *Decoder) String(tag string) string {
	return string(d.byTag[NewTag(tag)])
}

// Uint16 returns the little-endian uint16 value for tag.
func (d *Decoder) Uint16(tag string) (uint16, error) {
	v, ok := d.byTag[NewTag(tag)]
	if !ok || len(v) < 2 {
		return 0, fmt.Errorf("wire: tag %q missing or too short for uint16", tag)
	}
	return binary.LittleEndian.Uint16(v), nil
}

// Uint32 returns the little-endian uint32 value for tag.
func (d *Decoder) Uint32(tag string) (uint32, error) {
	v, ok := d.byTag[NewTag(tag)]
	if !ok || len(v) < 4 {
		return 0, fmt.Errorf("wire: tag %q missing or too short for uint32", tag)
	}
	return binary.LittleEndian.Uint32(v), nil
}

// Uint64 returns the little-endian uint64 value for tag.
func (d *Decoder) Uint64(tag string) (uint64, error) {
	v, ok := d.byTag[NewTag(tag)]
	if !ok || len(v) < 8 {
		return 0, fmt.Errorf("wire: tag %q missing or too short for uint64", tag)
	}
	return binary.LittleEndian.Uint64(v), nil
}
