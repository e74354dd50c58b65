package zarr

import (
	"fmt"
	"strconv"
	"strings"
)

// Dtype is a numpy-style array-protocol type string, e.g. "<f8",
// "<i4", "|b1", "|S16", "<M8[ns]".
type Dtype string

// Kind returns the type-kind character (f, i, u, b, c, S, U, V, M, m, O).
func (d Dtype) Kind() byte {
	var s = string(d)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<', '>', '|', '=':
		default:
			return s[i]
		}
	}
	return 0
}

// ItemSize returns the byte width of one element.
func (d Dtype) ItemSize() (int, error) {
	var s = string(d)
	var kind = d.Kind()
	var idx = strings.IndexByte(s, kind)
	if idx < 0 || idx+1 > len(s) {
		return 0, fmt.Errorf("invalid dtype %q", d)
	}
	var num = s[idx+1:]
	if cut := strings.IndexByte(num, '['); cut >= 0 {
		num = num[:cut]
	}
	var n, err = strconv.Atoi(num)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid dtype %q", d)
	}
	switch kind {
	case 'U':
		return 4 * n, nil
	case 'M', 'm':
		return 8, nil
	default:
		return n, nil
	}
}

// Valid reports whether the dtype is well formed and representable.
func (d Dtype) Valid() bool {
	if d.Kind() == 'O' {
		return false
	}
	var _, err = d.ItemSize()
	return err == nil
}
