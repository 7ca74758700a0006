package byterange

import (
	"reflect"
	"testing"
)

func TestParseRequestRanges(t *testing.T) {
	got := Parse("Range", "bytes=0-499,500-999,-200", 2000, "test")
	want := Set{{0, 499}, {500, 999}, {1800, 1999}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse() = %v, want %v", got, want)
	}
}

func TestParseOverlapIgnored(t *testing.T) {
	got := Parse("Range", "bytes=0-100,50-150", 200, "test")
	want := Set{{0, 100}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse() = %v, want %v", got, want)
	}
}

func TestParseLastBytePosClampedNotRejected(t *testing.T) {
	got := Parse("Range", "bytes=0-10000", 2000, "test")
	want := Set{{0, 1999}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse() = %v, want %v", got, want)
	}
}

func TestParseReplyFormRejectsNegative(t *testing.T) {
	got := Parse("Content-Range", "bytes -200", 2000, "test")
	if got != nil {
		t.Fatalf("Parse() = %v, want nil (negative spec invalid in reply form)", got)
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	s, ignored := Insert(nil, 0, 100, "Range", "test")
	if ignored {
		t.Fatalf("first insert unexpectedly ignored")
	}
	s2, ignored := Insert(s, 50, 150, "Range", "test")
	if !ignored {
		t.Fatalf("overlapping insert should be ignored")
	}
	if !reflect.DeepEqual(s2, s) {
		t.Fatalf("set mutated despite ignored insert: %v", s2)
	}
}

func TestInsertSplices(t *testing.T) {
	s, _ := Insert(nil, 100, 199, "Range", "test")
	s, ignored := Insert(s, 0, 50, "Range", "test")
	if ignored {
		t.Fatalf("non-overlapping insert incorrectly ignored")
	}
	want := Set{{0, 50}, {100, 199}}
	if !reflect.DeepEqual(s, want) {
		t.Fatalf("Insert() = %v, want %v", s, want)
	}
}

func TestContains(t *testing.T) {
	s := Set{{0, 99}, {200, 299}}
	if !s.Contains(10, 50) {
		t.Fatalf("expected containment of [10,50]")
	}
	if s.Contains(50, 250) {
		t.Fatalf("did not expect containment spanning a gap")
	}
	if s.Contains(400, 450) {
		t.Fatalf("did not expect containment past end of set")
	}
}

func TestMergeIdentical(t *testing.T) {
	a := Set{{0, 99}}
	b := Set{{0, 99}}
	got := Merge(a, b)
	want := Set{{0, 99}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge() = %v, want %v", got, want)
	}
}

func TestMergeOverlapping(t *testing.T) {
	a := Set{{0, 99}}
	b := Set{{50, 149}}
	got := Merge(a, b)
	want := Set{{0, 149}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge() = %v, want %v", got, want)
	}
}

func TestMergeDisjoint(t *testing.T) {
	a := Set{{0, 10}}
	b := Set{{20, 30}}
	got := Merge(a, b)
	want := Set{{0, 10}, {20, 30}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge() = %v, want %v", got, want)
	}
}

func TestMergeTailCoverage(t *testing.T) {
	a := Set{{0, 10}, {100, 200}}
	b := Set{{5, 50}}
	got := Merge(a, b)
	want := Set{{0, 50}, {100, 200}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge() = %v, want %v", got, want)
	}
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := ParseContentRange("bytes 0-499/1234")
	if err != nil || start != 0 || end != 499 || total != 1234 {
		t.Fatalf("ParseContentRange() = (%d,%d,%d,%v), want (0,499,1234,nil)", start, end, total, err)
	}
}

func TestParseContentRangeRejectsOutOfBounds(t *testing.T) {
	if _, _, _, err := ParseContentRange("bytes 0-1234/1234"); err == nil {
		t.Fatalf("expected error for end >= total")
	}
}

func TestParseContentRangeLegacyEquals(t *testing.T) {
	start, end, total, err := ParseContentRange("bytes=10-20/100")
	if err != nil || start != 10 || end != 20 || total != 100 {
		t.Fatalf("ParseContentRange() = (%d,%d,%d,%v)", start, end, total, err)
	}
}

func TestRangeIdempotentRoundTrip(t *testing.T) {
	s := Parse("Range", "bytes=0-499,500-999", 2000, "test")
	again := Parse("Range", "bytes="+s.String(), 2000, "test")
	if !reflect.DeepEqual(s, again) {
		t.Fatalf("round trip mismatch: %v vs %v", s, again)
	}
}
