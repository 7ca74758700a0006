package muid

import "testing"

func TestTagIsVendorRoundTrip(t *testing.T) {
	var m MUID
	Tag(&m, 1, 2, true)

	major, minor, stable, ok := IsVendor(m)
	if !ok {
		t.Fatalf("IsVendor(%v) = false, want true", m)
	}
	if major != 1 || minor != 2 || !stable {
		t.Fatalf("IsVendor() = (%d,%d,%v), want (1,2,true)", major, minor, stable)
	}
}

func TestTagIsIdempotentOnTaggedBytes(t *testing.T) {
	var m MUID
	Tag(&m, 3, 42, false)
	first := m

	Tag(&m, 3, 42, false)
	if first[0] != m[0] || first[2] != m[2] || first[3] != m[3] {
		t.Fatalf("re-tagging changed tagged bytes: %v vs %v", first, m)
	}
}

func TestIsVendorRejectsRandomBytes(t *testing.T) {
	m := MUID{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00}
	if _, _, _, ok := IsVendor(m); ok {
		t.Fatalf("IsVendor(%v) = true, want false for non-tagged bytes", m)
	}
}

func TestEncodeVersionMarkEntanglesMajorMinor(t *testing.T) {
	a := EncodeVersionMark(1, 2, true)
	b := EncodeVersionMark(1, 3, true)
	if a == b {
		t.Fatalf("version marks for different minors collided: 0x%x", a)
	}
}

func TestIsRequery(t *testing.T) {
	m, err := NewQuery(false, 1, 0, true)
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	if !IsRequery(m) {
		t.Fatalf("IsRequery() = false for a requery MUID")
	}

	initial, err := NewQuery(true, 1, 0, true)
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	if IsRequery(initial) {
		t.Fatalf("IsRequery() = true for an initial query MUID")
	}
}

func TestNewPingSetsModernFlags(t *testing.T) {
	m, err := NewPing(1, 0, true)
	if err != nil {
		t.Fatalf("NewPing: %v", err)
	}
	if m[8] != 0xff {
		t.Fatalf("m[8] = 0x%x, want 0xff", m[8])
	}
	if m[15]&(flagPongCaching|flagPersistent) != (flagPongCaching | flagPersistent) {
		t.Fatalf("m[15] = 0x%x, want pong-caching and persistent bits set", m[15])
	}
	if _, _, _, ok := IsVendor(m); !ok {
		t.Fatalf("IsVendor() = false for a freshly tagged ping MUID")
	}
}

func TestNewRandomProducesDistinctMUIDs(t *testing.T) {
	a, err := NewRandom(1, 0, true)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	b, err := NewRandom(1, 0, true)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	if a == b {
		t.Fatalf("two successive NewRandom() calls produced identical MUIDs")
	}
}

func TestOOBEndpointRoundTrip(t *testing.T) {
	var m MUID
	EncodeOOBEndpoint(&m, 0xc0a80001, 6346)

	ip, port := DecodeOOBEndpoint(m)
	if ip != 0xc0a80001 || port != 6346 {
		t.Fatalf("DecodeOOBEndpoint() = (0x%x,%d), want (0xc0a80001,6346)", ip, port)
	}
}
