/*
Copyright (c) 2016 Matthias S. Benkmann

This program is free software; you can redistribute it and/or
modify it under the terms of the GNU General Public License
as published by the Free Software Foundation; version 3
of the License (ONLY this version).

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.
*/

// Package muid implements the tagged 16-byte message identifier used to
// detect same-vendor peers and to carry out-of-band reply endpoints: a
// CRC-8 header error check (HEC), a version mark entangling major/minor/
// stable across two bytes, and the modern-ping and requery flag bits.
package muid

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// MUID is a fixed 16-byte message identifier.
type MUID [16]byte

const (
	hecGenerator = 0x107 // x^8 + x^2 + x + 1
	hecGTKGMask  = 0x0c3

	flagPongCaching = 0x01
	flagPersistent  = 0x02
	flagRequery     = 0x01 // cleared means initial query
)

var syndromeTable [256]byte

func init() {
	for i := 0; i < 256; i++ {
		syn := uint(i)
		for j := 0; j < 8; j++ {
			if syn&0x80 != 0 {
				syn = (syn << 1) ^ hecGenerator
			} else {
				syn <<= 1
			}
		}
		syndromeTable[i] = byte(syn)
	}
}

// HEC computes the header error check over m[1..15], folding each byte
// through the precomputed syndrome table and XORing the fixed coset
// leader so that the all-zero buffer does not map to zero.
func HEC(m MUID) byte {
	var hec byte
	for i := 1; i < 16; i++ {
		hec = syndromeTable[hec^m[i]]
	}
	return hec ^ hecGTKGMask
}

// EncodeVersionMark packs (major, minor, stable) into the two-byte mark
// stored in m[2..3]. major must be < 16, minor must be < 128.
func EncodeVersionMark(major, minor uint8, stable bool) uint16 {
	if major >= 0x10 {
		panic("muid: major must be < 0x10")
	}
	if minor >= 0x80 {
		panic("muid: minor must be < 0x80")
	}

	low := minor
	if !stable {
		low |= 0x80
	}

	high := (major & 0x0f) | (0xf0 & ((minor << 4) ^ (minor & 0xf0) ^ (major << 4)))

	return uint16(high)<<8 | uint16(low)
}

// Tag sets m[2..3] to the version mark for (major, minor, stable) and
// m[0] to the HEC of the resulting m[1..15].
func Tag(m *MUID, major, minor uint8, stable bool) {
	mark := EncodeVersionMark(major, minor, stable)
	m[2] = byte(mark >> 8)
	m[3] = byte(mark)
	m[0] = HEC(*m)
}

// IsVendor reports whether m carries a self-consistent HEC and version
// mark, returning the decoded (major, minor, stable) when it does.
func IsVendor(m MUID) (major, minor uint8, stable bool, ok bool) {
	if m[0] != HEC(m) {
		return 0, 0, false, false
	}

	major = m[2] & 0x0f
	minor = m[3] & 0x7f
	stable = m[3]&0x80 == 0

	mark := EncodeVersionMark(major, minor, stable)
	xmark := uint16(m[2])<<8 | uint16(m[3])

	if mark != xmark {
		return 0, 0, false, false
	}

	return major, minor, stable, true
}

// IsRequery reports whether m's requery bit (byte 15, bit 0) is set.
func IsRequery(m MUID) bool {
	return m[15]&flagRequery != 0
}

func randomFill() (MUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return MUID{}, fmt.Errorf("muid: generating random bytes: %w", err)
	}
	var m MUID
	copy(m[:], id[:])
	return m, nil
}

// NewRandom returns a fresh random MUID tagged as the given vendor
// version, suitable for general-purpose messages.
func NewRandom(major, minor uint8, stable bool) (MUID, error) {
	m, err := randomFill()
	if err != nil {
		return MUID{}, err
	}
	Tag(&m, major, minor, stable)
	return m, nil
}

// NewPing returns a fresh random MUID flagged as coming from a modern
// node (byte 8 = 0xFF, byte 15 carries pong-caching + persistent) and
// tagged with the given vendor version.
func NewPing(major, minor uint8, stable bool) (MUID, error) {
	m, err := randomFill()
	if err != nil {
		return MUID{}, err
	}
	m[8] = 0xff
	m[15] = flagPongCaching | flagPersistent
	Tag(&m, major, minor, stable)
	return m, nil
}

// NewQuery returns a fresh random MUID for a query, with the requery bit
// cleared when initial is true and set otherwise, tagged with the given
// vendor version.
func NewQuery(initial bool, major, minor uint8, stable bool) (MUID, error) {
	m, err := randomFill()
	if err != nil {
		return MUID{}, err
	}
	if initial {
		m[15] &^= flagRequery
	} else {
		m[15] |= flagRequery
	}
	Tag(&m, major, minor, stable)
	return m, nil
}

// DecodeOOBEndpoint extracts the IPv4 address (m[0..3], big-endian) and
// port (m[13..14], little-endian) embedded in a MUID marked for
// out-of-band query hit delivery. While a MUID carries an OOB endpoint,
// the vendor-tag interpretation of bytes 2..3 is unavailable.
func DecodeOOBEndpoint(m MUID) (ip uint32, port uint16) {
	ip = binary.BigEndian.Uint32(m[0:4])
	port = binary.LittleEndian.Uint16(m[13:15])
	return ip, port
}

// EncodeOOBEndpoint patches m in place with the given IPv4 address and
// port, for a query that requests out-of-band delivery.
func EncodeOOBEndpoint(m *MUID, ip uint32, port uint16) {
	binary.BigEndian.PutUint32(m[0:4], ip)
	binary.LittleEndian.PutUint16(m[13:15], port)
}
