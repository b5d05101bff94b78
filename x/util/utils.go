package util

import (
	"encoding/binary"
	"fmt"
	"io"
)

var (
	ErrVarintTooLong  = fmt.Errorf("varint too long: > 4 bytes")
	ErrVarintOverflow = fmt.Errorf("varint value out of range")
	ErrStringTooLong  = fmt.Errorf("UTF-8 string exceeds 65535 bytes")
)

// maxRemainingLength is the largest value representable by the MQTT
// remaining-length encoding (4 bytes of 7 payload bits each).
const maxRemainingLength = 0x0FFFFFFF

// EncodeUvarint encodes val into b using the MQTT remaining-length scheme
// and returns the number of bytes written. The encoding always uses the
// minimum number of bytes. b must hold at least UvarintLen(val) bytes.
func EncodeUvarint(b []byte, val uint32) (n int, err error) {
	if val > maxRemainingLength {
		return 0, ErrVarintOverflow
	}
	for {
		d := byte(val % 128)
		val /= 128
		if val > 0 {
			d |= 0x80
		}
		b[n] = d
		n++
		if val == 0 {
			return n, nil
		}
	}
}

// UvarintLen returns the number of bytes EncodeUvarint needs for val.
func UvarintLen(val uint32) int {
	var length int
	for {
		length++
		val /= 128
		if val < 1 {
			break
		}
	}
	return length
}

// ReadUvarint decodes a remaining-length varint from r. A continuation bit
// on the fourth byte is a protocol violation and yields ErrVarintTooLong.
func ReadUvarint(r io.Reader) (v uint32, n int, err error) {
	var b [1]byte
	for i := 0; i < 28; i += 7 {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, n, err
		}
		n++
		v |= uint32(b[0]&0x7F) << i
		if b[0]&0x80 == 0 {
			return v, n, nil
		}
	}
	return 0, n, ErrVarintTooLong
}

// AppendUTF8 appends the 2-byte big-endian length prefix followed by the
// raw bytes of s to b.
func AppendUTF8(b []byte, s string) ([]byte, error) {
	if len(s) > 0xFFFF {
		return b, ErrStringTooLong
	}
	b = append(b, byte(len(s)>>8), byte(len(s)))
	return append(b, s...), nil
}

// EncodeUTF8 writes the length-prefixed string s into b and returns the
// number of bytes written. b must hold at least len(s)+2 bytes.
func EncodeUTF8(b []byte, s string) (n int, err error) {
	if len(s) > 0xFFFF {
		return 0, ErrStringTooLong
	}
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	return copy(b[2:], s) + 2, nil
}

// ReadUTF8 reads a length-prefixed UTF-8 string from r. A stream that ends
// before the full prefix or body is read yields io.ErrUnexpectedEOF.
func ReadUTF8(r io.Reader) (s string, n int, err error) {
	var b [2]byte
	n, err = io.ReadFull(r, b[:])
	if err != nil {
		return "", n, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(b[:]))
	N, err := io.ReadFull(r, buf)
	n += N
	if err != nil {
		return "", n, err
	}
	return string(buf), n, nil
}
