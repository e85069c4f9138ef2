package protocol

import (
	"strconv"
	"strings"

	"pkt.systems/screenstream/schema"
)

const rootMarker = "[ROOT]"

// DecodeScreenName splits a raw screen name into its display name, optional
// grid position and root flag. The root marker and the grid suffix may appear
// in either order. IsEdit is left to the caller.
func DecodeScreenName(raw string) schema.ScreenHeader {
	var header schema.ScreenHeader
	name := raw
	stripped := false
	if strings.Contains(name, rootMarker) {
		header.IsRoot = true
		name = strings.ReplaceAll(name, rootMarker, " ")
		stripped = true
	}
	if start, end, col, row, ok := findGridPosition(name); ok {
		header.GridCol = &col
		header.GridRow = &row
		name = name[:start] + " " + name[end:]
		stripped = true
	}
	if stripped {
		name = strings.Join(strings.Fields(name), " ")
	}
	header.Name = trimCloseMarker(name)
	return header
}

// findGridPosition locates the first "[<int>,<int>]" group. Whitespace is
// allowed around both numbers.
func findGridPosition(s string) (int, int, int, int, bool) {
	for from := 0; from < len(s); {
		idx := strings.IndexByte(s[from:], '[')
		if idx < 0 {
			return 0, 0, 0, 0, false
		}
		start := from + idx
		pos := skipHorizontalSpace(s, start+1)
		col, pos, ok := readInt(s, pos)
		if ok {
			pos = skipHorizontalSpace(s, pos)
			if pos < len(s) && s[pos] == ',' {
				pos = skipHorizontalSpace(s, pos+1)
				var row int
				row, pos, ok = readInt(s, pos)
				if ok {
					pos = skipHorizontalSpace(s, pos)
					if pos < len(s) && s[pos] == ']' {
						return start, pos + 1, col, row, true
					}
				}
			}
		}
		from = start + 1
	}
	return 0, 0, 0, 0, false
}

func readInt(s string, pos int) (int, int, bool) {
	end := pos
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == pos {
		return 0, pos, false
	}
	value, err := strconv.Atoi(s[pos:end])
	if err != nil {
		return 0, pos, false
	}
	return value, end, true
}
