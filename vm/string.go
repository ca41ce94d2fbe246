package vm

import (
	"unicode/utf8"
)

// Rook strings come in three representations sharing the same accessors:
//
//   - immediate strings: 0-5 bytes packed into the value word, with the
//     length stored in the sixth payload byte
//   - packed strings: exactly 6 bytes filling the whole payload
//   - heap strings: short (inline, up to ShortStringMaxSize bytes) or long
//     (owned buffer + length), discriminated by a header flag
//
// Strings are immutable. Operations that would extend a string produce a
// new value in the tightest representation that fits.

// ---------------------------------------------------------------------------
// Immediate constructors
// ---------------------------------------------------------------------------

// packIString builds an immediate string of 0-5 bytes.
func packIString(data []byte) Value {
	bits := signatureIString
	for i, b := range data {
		bits |= uint64(b) << (8 * i)
	}
	bits |= uint64(len(data)) << 40
	return Value(bits)
}

// packPString builds a packed string of exactly 6 bytes.
func packPString(data []byte) Value {
	bits := signaturePString
	for i, b := range data {
		bits |= uint64(b) << (8 * i)
	}
	return Value(bits)
}

// ---------------------------------------------------------------------------
// Heap constructor
// ---------------------------------------------------------------------------

// createString builds a string value from raw bytes, choosing the tightest
// representation that fits.
func (vm *VM) createString(data []byte) Value {
	switch {
	case len(data) <= 5:
		return packIString(data)
	case len(data) == 6:
		return packPString(data)
	}

	c := vm.heap.allocate(vm, CellString)
	s := c.String()
	if len(data) <= ShortStringMaxSize {
		c.flagA = true // short representation
		s.shortLen = uint8(copy(s.inline[:], data))
		s.lbuf = nil
	} else {
		c.flagA = false
		s.lbuf = append([]byte(nil), data...)
		s.shortLen = 0
	}
	return FromCell(c)
}

// CreateString builds a string value for str. Equal strings that need a
// heap cell get a fresh cell on each call; nothing is deduplicated.
func (vm *VM) CreateString(str string) Value {
	return vm.createString([]byte(str))
}

// ---------------------------------------------------------------------------
// Shared accessors
// ---------------------------------------------------------------------------

// StringData returns the bytes of any string representation, or nil if v is
// not a string.
func StringData(v Value) []byte {
	switch {
	case v.IsIString():
		length := int((uint64(v) & maskIStringLength) >> 40)
		buf := make([]byte, length)
		for i := 0; i < length; i++ {
			buf[i] = byte(uint64(v) >> (8 * i))
		}
		return buf
	case v.IsPString():
		buf := make([]byte, 6)
		for i := 0; i < 6; i++ {
			buf[i] = byte(uint64(v) >> (8 * i))
		}
		return buf
	case v.IsHeapString():
		c := v.Cell()
		s := c.String()
		if c.flagA {
			return s.inline[:s.shortLen]
		}
		return s.lbuf
	}
	return nil
}

// StringLength returns the byte length of any string representation, or -1
// if v is not a string.
func StringLength(v Value) int {
	switch {
	case v.IsIString():
		return int((uint64(v) & maskIStringLength) >> 40)
	case v.IsPString():
		return 6
	case v.IsHeapString():
		c := v.Cell()
		if c.flagA {
			return int(c.String().shortLen)
		}
		return len(c.String().lbuf)
	}
	return -1
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// concatStrings concatenates two strings into a new value.
func (vm *VM) concatStrings(left, right Value) Value {
	ld, rd := StringData(left), StringData(right)
	buf := make([]byte, 0, len(ld)+len(rd))
	buf = append(buf, ld...)
	buf = append(buf, rd...)
	return vm.createString(buf)
}

// stringCodePointAt returns the UTF-8 code point at rune index i as a new
// string, or Null when the index is out of range.
func (vm *VM) stringCodePointAt(v Value, index int64) Value {
	data := StringData(v)
	if index < 0 {
		return Null
	}
	var i int64
	for off := 0; off < len(data); {
		_, size := utf8.DecodeRune(data[off:])
		if i == index {
			return vm.createString(data[off : off+size])
		}
		off += size
		i++
	}
	return Null
}

// stringCodePointCount returns the number of UTF-8 code points in v.
func stringCodePointCount(v Value) int {
	return utf8.RuneCount(StringData(v))
}
