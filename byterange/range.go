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

// Package byterange implements the byte-range algebra used to negotiate
// partial HTTP transfers: parsing of Range/Content-Range header values,
// insertion with overlap rejection, set merging and containment checks.
//
// A Set is always sorted ascending by Start and its entries are disjoint
// and non-touching: for every adjacent pair, the earlier entry's End is
// strictly less than the later entry's Start.
package byterange

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mbenkmann/golib/util"
)

// Range is a non-empty closed interval [Start,End] over byte offsets,
// with Start <= End.
type Range struct {
	Start, End uint64
}

// Len returns the number of bytes covered by r.
func (r Range) Len() uint64 {
	return r.End - r.Start + 1
}

// ContentRange formats r as the payload of a Content-Range header
// ("bytes start-end/size").
func (r Range) ContentRange(size uint64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// Set is a sorted, disjoint, non-touching sequence of ranges.
type Set []Range

// Size returns the total number of bytes covered by all ranges in s.
func (s Set) Size() uint64 {
	var n uint64
	for _, r := range s {
		n += r.Len()
	}
	return n
}

// String renders s as a comma-separated "start-end" list, mirroring
// http_range_to_string from the C original.
func (s Set) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = fmt.Sprintf("%d-%d", r.Start, r.End)
	}
	return strings.Join(parts, ", ")
}

// Contains returns true iff some single range in s covers [from,to].
func (s Set) Contains(from, to uint64) bool {
	for _, r := range s {
		if from > r.End {
			continue
		}
		if from < r.Start {
			return false // `from' is outside of any following interval
		}
		return to <= r.End
	}
	return false
}

// Insert splices [start,end] into s, preserving sort order, and rejects
// the insertion (ignored=true, s unchanged) if it would overlap an
// existing range.
func Insert(s Set, start, end uint64, field, vendor string) (result Set, ignored bool) {
	if start > end {
		panic("byterange: Insert requires start <= end")
	}

	item := Range{Start: start, End: end}

	for i, r := range s {
		if r.Start > end {
			if i > 0 && s[i-1].End >= start {
				util.Log(1, "vendor <%v> sent us overlapping range %v-%v "+
					"(with previous %v-%v) in the %v header -- ignoring",
					vendor, start, end, s[i-1].Start, s[i-1].End, field)
				return s, true
			}
			if r.Start <= end {
				util.Log(1, "vendor <%v> sent us overlapping range %v-%v "+
					"(with next %v-%v) in the %v header -- ignoring",
					vendor, start, end, r.Start, r.End, field)
				return s, true
			}

			out := make(Set, 0, len(s)+1)
			out = append(out, s[:i]...)
			out = append(out, item)
			out = append(out, s[i:]...)
			return out, false
		}

		if r.End >= start {
			util.Log(1, "vendor <%v> sent us overlapping range %v-%v "+
				"(with %v-%v) in the %v header -- ignoring",
				vendor, start, end, r.Start, r.End, field)
			return s, true
		}
	}

	out := make(Set, len(s), len(s)+1)
	copy(out, s)
	out = append(out, item)
	return out, false
}

const offsetMax = ^uint64(0)

// Parse parses a Range header value (request form "bytes=a-b,c-d,-n" or
// reply form "bytes a-b") against a resource of the given size, returning
// the sorted, disjoint range set it describes. Malformed specs are
// skipped and parsing resynchronizes at the next comma; overlapping specs
// are dropped by Insert. field and vendor are used only to annotate log
// messages.
func Parse(field, value string, size uint64, vendor string) Set {
	if size == 0 {
		return nil
	}

	const unit = "bytes"
	str := value

	rest, ok := strings0(str, unit)
	if !ok {
		util.Log(1, "improper %v header from <%v> (not bytes?): %v", field, vendor, value)
		return nil
	}
	str = rest

	request := false
	for len(str) > 0 {
		c := str[0]
		if c == '=' {
			if request {
				util.Log(1, "improper %v header from <%v> (multiple '='): %v", field, vendor, value)
				return nil
			}
			request = true
			str = str[1:]
			continue
		}
		if c == ' ' || c == '\t' {
			str = str[1:]
			continue
		}
		break
	}

	var result Set
	count := 0

	start := uint64(0)
	end := size - 1
	hasStart := false
	hasEnd := false
	skipping := false
	minusSeen := false

	resetSpec := func() {
		start = 0
		end = size - 1
		hasStart = false
		hasEnd = false
		minusSeen = false
	}

	emit := func() {
		if !minusSeen {
			util.Log(1, "weird %v header from <%v> (no range?): %v", field, vendor, value)
			return
		}
		if start == offsetMax && !hasEnd {
			util.Log(1, "weird %v header from <%v> (incomplete negative range): %v", field, vendor, value)
			return
		}
		if start > end {
			util.Log(1, "weird %v header from <%v> (swapped range?): %v", field, vendor, value)
			return
		}
		var ignored bool
		result, ignored = Insert(result, start, end, field, vendor)
		count++
		if ignored {
			util.Log(1, "weird %v header from <%v> (ignored range #%d): %v", field, vendor, count, value)
		}
	}

	i := 0
	for i < len(str) {
		c := str[i]
		i++

		if c == ' ' || c == '\t' {
			continue
		}

		if c == ',' {
			if skipping {
				skipping = false
				continue
			}
			emit()
			resetSpec()
			continue
		}

		if skipping {
			continue
		}

		if c == '-' {
			if minusSeen {
				skipping = true
				continue
			}
			minusSeen = true
			if !hasStart {
				if !request {
					skipping = true
					continue
				}
				start = offsetMax // marks a negative ("-n") range
				hasStart = true
			}
			continue
		}

		if c >= '0' && c <= '9' {
			j := i - 1
			for i < len(str) && str[i] >= '0' && str[i] <= '9' {
				i++
			}
			val, err := strconv.ParseUint(str[j:i], 10, 64)
			if err != nil {
				skipping = true
				continue
			}

			if hasEnd {
				skipping = true
				continue
			}

			if val >= size {
				// last-byte-pos may legitimately exceed the resource size;
				// clamp rather than reject.
				val = size - 1
			}

			if hasStart {
				if !minusSeen {
					skipping = true
					continue
				}
				if start == offsetMax {
					if val > size {
						start = 0
					} else {
						start = size - val
					}
					end = size - 1
				} else {
					end = val
				}
				hasEnd = true
			} else {
				start = val
				hasStart = true
			}
			continue
		}

		skipping = true
	}

	if minusSeen && !skipping {
		emit()
	}

	if len(result) == 0 {
		util.Log(1, "retained no ranges in %v header from <%v>: %v", field, vendor, value)
	}

	return result
}

// strips removes prefix from the start of s, reporting whether s began
// with it. strings0 additionally requires the "bytes" unit to be followed
// by '=' (request form), ' ' (reply form) or nothing.
func strips(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return s, false
	}
	return s[len(prefix):], true
}

func strings0(s, unit string) (string, bool) {
	rest, ok := strips(s, unit)
	if !ok {
		return s, false
	}
	if rest == "" {
		return rest, true
	}
	c := rest[0]
	if c != ' ' && c != '=' {
		return s, false
	}
	return rest, true
}

// Merge produces the sorted union of two range sets, combining
// overlapping ranges by taking the minimum Start and maximum End.
func Merge(oldList, newList Set) Set {
	var result Set
	var highest uint64
	haveHighest := false

	oi, ni := 0, 0
	for oi < len(oldList) || ni < len(newList) {
		if oi < len(oldList) && ni < len(newList) {
			o := oldList[oi]
			n := newList[ni]

			if n.Start == o.Start && n.End == o.End {
				result = append(result, o)
				highest, haveHighest = o.End, true
				oi++
				ni++
				continue
			}

			if haveHighest && o.End < highest {
				oi++
				continue
			}
			if haveHighest && n.End < highest {
				ni++
				continue
			}

			if n.End < o.Start {
				result = append(result, n)
				highest, haveHighest = n.End, true
				ni++
				continue
			}
			if o.End < n.Start {
				result = append(result, o)
				highest, haveHighest = o.End, true
				oi++
				continue
			}

			// overlapping: combine
			merged := Range{}
			if n.Start > o.Start {
				merged.Start = o.Start
			} else {
				merged.Start = n.Start
			}
			if n.End > o.End {
				merged.End = n.End
			} else {
				merged.End = o.End
			}
			result = append(result, merged)
			highest, haveHighest = merged.End, true
			oi++
			ni++
			continue
		}

		if oi < len(oldList) {
			o := oldList[oi]
			if !haveHighest || o.End > highest {
				result = append(result, o)
			}
			oi++
			continue
		}

		n := newList[ni]
		if !haveHighest || n.End > highest {
			result = append(result, n)
		}
		ni++
	}

	return result
}

// ParseContentRange parses a Content-Range payload of the form
// "bytes start-end/total" (also accepting the legacy "bytes=" form),
// requiring start <= end < total.
func ParseContentRange(value string) (start, end, total uint64, err error) {
	s, ok := strips(value, "bytes")
	if !ok {
		return 0, 0, 0, fmt.Errorf("byterange: not a bytes Content-Range: %q", value)
	}
	if len(s) == 0 || (s[0] != ' ' && s[0] != '=') {
		return 0, 0, 0, fmt.Errorf("byterange: malformed Content-Range: %q", value)
	}
	s = strings.TrimSpace(s[1:])

	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return 0, 0, 0, fmt.Errorf("byterange: malformed Content-Range: %q", value)
	}
	start, err = strconv.ParseUint(s[:dash], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("byterange: malformed Content-Range start: %q", value)
	}
	s = s[dash+1:]

	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return 0, 0, 0, fmt.Errorf("byterange: malformed Content-Range: %q", value)
	}
	end, err = strconv.ParseUint(strings.TrimSpace(s[:slash]), 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("byterange: malformed Content-Range end: %q", value)
	}

	total, err = strconv.ParseUint(strings.TrimSpace(s[slash+1:]), 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("byterange: malformed Content-Range total: %q", value)
	}

	if start > end || end >= total {
		return 0, 0, 0, fmt.Errorf("byterange: invalid Content-Range bounds: %q", value)
	}

	return start, end, total, nil
}
