package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header pair buffer layout, all integers little-endian u32:
//
//	n
//	key_len[0] value_len[0] ... key_len[n-1] value_len[n-1]
//	key[0] NUL value[0] NUL ... key[n-1] NUL value[n-1] NUL
//
// Lengths exclude the NUL terminator.
const (
	countSize = 4
	pairSize  = 8
)

var (
	ErrShortBuffer       = errors.New("header pairs: buffer too short")
	ErrMissingTerminator = errors.New("header pairs: missing NUL terminator")
	ErrTrailingBytes     = errors.New("header pairs: trailing bytes after payload")
)

// HeaderPairsSize returns the encoded size of h.
func HeaderPairsSize(h Headers) int {
	size := countSize
	for _, kv := range h {
		size += pairSize
		size += len(kv.Key) + 1
		size += len(kv.Value) + 1
	}
	return size
}

// EncodeHeaderPairs encodes h into a new buffer of exactly HeaderPairsSize(h)
// bytes.
func EncodeHeaderPairs(h Headers) []byte {
	buf := make([]byte, HeaderPairsSize(h))
	encodeHeaderPairs(buf, h)
	return buf
}

// encodeHeaderPairs writes h into dst, which must be exactly
// HeaderPairsSize(h) bytes. The length table and the payload are written in
// two passes over the same slice so they cannot disagree on order.
func encodeHeaderPairs(dst []byte, h Headers) {
	binary.LittleEndian.PutUint32(dst, uint32(len(h)))

	off := countSize
	for _, kv := range h {
		binary.LittleEndian.PutUint32(dst[off:], uint32(len(kv.Key)))
		binary.LittleEndian.PutUint32(dst[off+4:], uint32(len(kv.Value)))
		off += pairSize
	}

	for _, kv := range h {
		off += copy(dst[off:], kv.Key)
		dst[off] = 0
		off++
		off += copy(dst[off:], kv.Value)
		dst[off] = 0
		off++
	}
}

// DecodeHeaderPairs parses a buffer produced by EncodeHeaderPairs. The
// returned mapping keeps the encoded order.
func DecodeHeaderPairs(buf []byte) (Headers, error) {
	if len(buf) < countSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d for count", ErrShortBuffer, len(buf), countSize)
	}
	n := binary.LittleEndian.Uint32(buf)

	tableEnd := uint64(countSize) + uint64(n)*pairSize
	if tableEnd > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: %d pairs need %d bytes of table, have %d", ErrShortBuffer, n, tableEnd, len(buf))
	}

	h := make(Headers, 0, n)
	off := int(tableEnd)
	for i := 0; i < int(n); i++ {
		entry := countSize + i*pairSize
		keyLen := int(binary.LittleEndian.Uint32(buf[entry:]))
		valueLen := int(binary.LittleEndian.Uint32(buf[entry+4:]))

		key, next, err := readTerminated(buf, off, keyLen)
		if err != nil {
			return nil, fmt.Errorf("pair %d key: %w", i, err)
		}
		value, next, err := readTerminated(buf, next, valueLen)
		if err != nil {
			return nil, fmt.Errorf("pair %d value: %w", i, err)
		}
		h = append(h, Header{Key: key, Value: value})
		off = next
	}

	if off != len(buf) {
		return nil, fmt.Errorf("%w: %d of %d bytes consumed", ErrTrailingBytes, off, len(buf))
	}
	return h, nil
}

func readTerminated(buf []byte, off, n int) (string, int, error) {
	if n < 0 || off+n+1 > len(buf) {
		return "", 0, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n+1, off, len(buf)-off)
	}
	if buf[off+n] != 0 {
		return "", 0, ErrMissingTerminator
	}
	return string(buf[off : off+n]), off + n + 1, nil
}
