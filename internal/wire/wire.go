package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const version byte = 1

// Kind tells a reader what the entry stands for.
type Kind byte

const (
	KindValue    Kind = 1 // payload is the codec-encoded value
	KindNotFound Kind = 2 // source confirmed absence; payload empty
	KindFailure  Kind = 3 // source failed; payload is the error text
)

var (
	ErrCorrupt = errors.New("asidecache: corrupt entry")
	magic4     = [...]byte{'A', 'S', 'D', 'C'}
)

// Dep is one dependency of an entry: a resource ref and the generation
// that was current when the entry was loaded.
type Dep struct {
	Ref string
	Gen uint64
}

// Entry is the unit stored under a cache key.
type Entry struct {
	Kind     Kind
	Stamp    uint64
	StoredAt time.Time
	TTL      time.Duration
	Deps     []Dep
	Payload  []byte
}

// Expired reports whether the entry outlived its TTL at now.
// A non-positive TTL never expires.
func (e Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.StoredAt.Add(e.TTL))
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

func validKind(k Kind) bool {
	return k == KindValue || k == KindNotFound || k == KindFailure
}

// header: magic(4) | ver(1) | kind(1) | stamp(u64) | storedAt(i64 ns) | ttl(i64 ns) | nDeps(u16)
const hdr = 4 + 1 + 1 + 8 + 8 + 8 + 2

// Encode frames e as:
//
//	header | {refLen(u16) | ref | gen(u64)} * nDeps | vlen(u32) | payload(vlen)
//
// All integers are big-endian.
func Encode(e Entry) ([]byte, error) {
	if !validKind(e.Kind) {
		return nil, fmt.Errorf("asidecache: invalid entry kind %d", e.Kind)
	}
	if len(e.Deps) > 0xFFFF {
		return nil, fmt.Errorf("asidecache: too many deps: %d", len(e.Deps))
	}
	total := hdr + 4 + len(e.Payload)
	for _, d := range e.Deps {
		if l := len(d.Ref); l == 0 || l > 0xFFFF {
			return nil, fmt.Errorf("asidecache: invalid dep ref length %d", l)
		}
		total += 2 + len(d.Ref) + 8
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(byte(e.Kind))

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], e.Stamp)
	buf.Write(u8[:])
	var storedAt int64
	if !e.StoredAt.IsZero() {
		storedAt = e.StoredAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(storedAt))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(int64(e.TTL)))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Deps)))
	buf.Write(u2[:])
	for _, d := range e.Deps {
		binary.BigEndian.PutUint16(u2[:], uint16(len(d.Ref)))
		buf.Write(u2[:])
		buf.WriteString(d.Ref)
		binary.BigEndian.PutUint64(u8[:], d.Gen)
		buf.Write(u8[:])
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)
	return buf.Bytes(), nil
}

// Decode parses a framed entry. The returned Payload aliases b.
func Decode(b []byte) (Entry, error) {
	if len(b) < hdr || !hasMagic(b) || b[4] != version || !validKind(Kind(b[5])) {
		return Entry{}, ErrCorrupt
	}
	e := Entry{Kind: Kind(b[5])}
	off := 6

	e.Stamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	if ns := int64(binary.BigEndian.Uint64(b[off : off+8])); ns != 0 {
		e.StoredAt = time.Unix(0, ns)
	}
	off += 8
	e.TTL = time.Duration(int64(binary.BigEndian.Uint64(b[off : off+8])))
	off += 8

	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if n > 0 {
		// each dep needs at least 2+1+8 bytes; don't trust n for the allocation
		if n > (len(b)-off)/11 {
			return Entry{}, ErrCorrupt
		}
		e.Deps = make([]Dep, 0, n)
	}
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return Entry{}, ErrCorrupt
		}
		rlen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if rlen == 0 || rlen > len(b)-off {
			return Entry{}, ErrCorrupt
		}
		ref := string(b[off : off+rlen])
		off += rlen
		if off+8 > len(b) {
			return Entry{}, ErrCorrupt
		}
		gen := binary.BigEndian.Uint64(b[off : off+8])
		off += 8
		e.Deps = append(e.Deps, Dep{Ref: ref, Gen: gen})
	}

	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// exact length: trailing bytes are corruption too
	if vlen < 0 || vlen != len(b)-off {
		return Entry{}, ErrCorrupt
	}
	e.Payload = b[off : off+vlen]
	return e, nil
}

// PeekStamp returns the stamp of a framed entry without decoding the rest.
func PeekStamp(b []byte) (uint64, error) {
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return 0, ErrCorrupt
	}
	return binary.BigEndian.Uint64(b[6:14]), nil
}
