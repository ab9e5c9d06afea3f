package wire

import (
	"encoding/binary"
)

// EncodeList frames payloads as n(u32) | {len(u32) | bytes} * n.
func EncodeList(items [][]byte) []byte {
	total := 4
	for _, it := range items {
		total += 4 + len(it)
	}
	out := make([]byte, 4, total)
	binary.BigEndian.PutUint32(out, uint32(len(items)))
	var u4 [4]byte
	for _, it := range items {
		binary.BigEndian.PutUint32(u4[:], uint32(len(it)))
		out = append(out, u4[:]...)
		out = append(out, it...)
	}
	return out
}

// DecodeList reverses EncodeList. Item slices alias b.
func DecodeList(b []byte) ([][]byte, error) {
	if len(b) < 4 {
		return nil, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	off := 4
	if n > (len(b)-off)/4 {
		return nil, ErrCorrupt
	}
	items := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if off+4 > len(b) {
			return nil, ErrCorrupt
		}
		l := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if l > len(b)-off {
			return nil, ErrCorrupt
		}
		items = append(items, b[off:off+l])
		off += l
	}
	if off != len(b) {
		return nil, ErrCorrupt
	}
	return items, nil
}
