package search

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SelectOp is a spatial / temporal containment operator.
type SelectOp string

const (
	OpWithin     SelectOp = "Within"     // strict: fully inside the range
	OpIntersects SelectOp = "Intersects" // flexible: any overlap
	OpContains   SelectOp = "Contains"   // file: range inside the file
)

var selectOps = map[string]SelectOp{
	"strict":   OpWithin,
	"flexible": OpIntersects,
	"file":     OpContains,
}

// ErrInvalidSelect is a server-side configuration error (HTTP 500).
type ErrInvalidSelect struct{ Given string }

func (e *ErrInvalidSelect) Error() string {
	return fmt.Sprintf("invalid select method %q, choose from: strict, flexible, file", e.Given)
}

// ParseSelect maps a `*_select` query value to its operator. The empty
// string defaults to flexible.
func ParseSelect(s string) (SelectOp, error) {
	if s == "" {
		return OpIntersects, nil
	}
	if op, ok := selectOps[strings.ToLower(s)]; ok {
		return op, nil
	}
	return "", &ErrInvalidSelect{Given: s}
}

// TimeRange is a parsed time constraint.
type TimeRange struct {
	Start time.Time
	End   time.Time
	Op    SelectOp
}

var (
	timeMin = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	timeMax = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// ErrBadQuery is a user error (HTTP 422).
type ErrBadQuery struct{ Detail string }

func (e *ErrBadQuery) Error() string { return e.Detail }

// ParseTimeRange parses a `time` query value of the form
// "start to end" (either side optional) together with its selector.
// Missing components of a timestamp default downwards for the start
// and upwards for the end, so "2000 to 2010" covers both years fully.
func ParseTimeRange(value, selectValue string) (*TimeRange, error) {
	var op, err = ParseSelect(selectValue)
	if err != nil {
		return nil, err
	}
	var startStr, endStr, _ = cutRange(value)

	start, err := parseTimestamp(startStr, false)
	if err != nil {
		return nil, &ErrBadQuery{Detail: fmt.Sprintf("could not parse time %q: %s", startStr, err)}
	}
	end, err := parseTimestamp(endStr, true)
	if err != nil {
		return nil, &ErrBadQuery{Detail: fmt.Sprintf("could not parse time %q: %s", endStr, err)}
	}
	return &TimeRange{Start: start, End: end, Op: op}, nil
}

// cutRange splits "a to b" (case-insensitive separator). A bare value
// sets both sides.
func cutRange(value string) (string, string, bool) {
	var lower = strings.ToLower(value)
	if idx := strings.Index(lower, "to"); idx >= 0 {
		return strings.TrimSpace(value[:idx]), strings.TrimSpace(value[idx+2:]), true
	}
	var v = strings.TrimSpace(value)
	return v, v, false
}

// parseTimestamp parses a partial ISO timestamp. |high| picks the
// upper bound for unspecified components.
func parseTimestamp(s string, high bool) (time.Time, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, " ", "T"))
	if s == "" {
		if high {
			return timeMax, nil
		}
		return timeMin, nil
	}

	var datePart, timePart, _ = strings.Cut(s, "T")
	var dateFields = strings.SplitN(datePart, "-", 3)

	var year, month, day = 0, 1, 1
	var hour, minute, sec = 0, 0, 0
	if high {
		month, hour, minute, sec = 12, 23, 59, 59
	}

	var fields = []*int{&year, &month, &day}
	for i, f := range dateFields {
		var v, err = strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date component %q", f)
		}
		*fields[i] = v
	}
	var dayGiven = len(dateFields) >= 3

	if timePart != "" {
		timePart = strings.TrimSuffix(timePart, "Z")
		var clock = strings.SplitN(timePart, ":", 3)
		var cf = []*int{&hour, &minute, &sec}
		for i, f := range clock {
			var v, err = strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid time component %q", f)
			}
			*cf[i] = v
		}
		for i := len(clock); i < 3; i++ {
			if !high {
				*cf[i] = 0
			}
		}
	}
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid month %d", month)
	}
	if high && !dayGiven {
		day = daysIn(year, time.Month(month))
	}
	var t = time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("invalid day %d", day)
	}
	return t, nil
}

func daysIn(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// SolrFilter renders the time range as a Solr field query.
func (tr *TimeRange) SolrFilter() string {
	return fmt.Sprintf("{!field f=time op=%s}[%s TO %s]",
		tr.Op,
		tr.Start.Format("2006-01-02T15:04:05Z"),
		tr.End.Format("2006-01-02T15:04:05Z"))
}

// BBox is a parsed bounding box constraint.
type BBox struct {
	MinLon, MaxLon float64
	MinLat, MaxLat float64
	Op             SelectOp
}

// ParseBBox parses `bbox=minLon,maxLon,minLat,maxLat` with its selector.
func ParseBBox(value, selectValue string) (*BBox, error) {
	var op, err = ParseSelect(selectValue)
	if err != nil {
		return nil, err
	}
	var parts = strings.Split(value, ",")
	if len(parts) != 4 {
		return nil, &ErrBadQuery{Detail: fmt.Sprintf(
			"bbox must have form minLon,maxLon,minLat,maxLat, got %q", value)}
	}
	var vals [4]float64
	for i, p := range parts {
		if vals[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64); err != nil {
			return nil, &ErrBadQuery{Detail: fmt.Sprintf("invalid bbox value %q", p)}
		}
	}
	var b = &BBox{MinLon: vals[0], MaxLon: vals[1], MinLat: vals[2], MaxLat: vals[3], Op: op}
	if b.MinLon < -180 || b.MaxLon > 180 || b.MinLon > b.MaxLon {
		return nil, &ErrBadQuery{Detail: fmt.Sprintf(
			"longitude bounds out of range: %g,%g", b.MinLon, b.MaxLon)}
	}
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLat > b.MaxLat {
		return nil, &ErrBadQuery{Detail: fmt.Sprintf(
			"latitude bounds out of range: %g,%g", b.MinLat, b.MaxLat)}
	}
	return b, nil
}

// SolrFilter renders the bbox as a Solr spatial query. ENVELOPE takes
// minLon, maxLon, maxLat, minLat.
func (b *BBox) SolrFilter() string {
	return fmt.Sprintf("bbox:\"%s(ENVELOPE(%g,%g,%g,%g))\"",
		b.Op, b.MinLon, b.MaxLon, b.MaxLat, b.MinLat)
}

// Lucene characters escaped inside facet values. Quotes and wildcards
// stay usable.
var luceneEscaper = strings.NewReplacer(
	"&&", `\&&`,
	"||", `\||`,
	"+", `\+`,
	"-", `\-`,
	"!", `\!`,
	"(", `\(`,
	")", `\)`,
	"{", `\{`,
	"}", `\}`,
	"[", `\[`,
	"]", `\]`,
	"^", `\^`,
	"~", `\~`,
	":", `\:`,
	"/", `\/`,
)

// EscapeValue escapes Lucene query syntax inside a facet value.
func EscapeValue(v string) string { return luceneEscaper.Replace(v) }

// SplitNegations partitions facet values into positive and negated
// sets. A value negates with a leading `!`, `-` or `not ` marker.
func SplitNegations(values []string) (positive, negative []string) {
	for _, v := range values {
		switch {
		case strings.HasPrefix(v, "!"):
			negative = append(negative, v[1:])
		case strings.HasPrefix(v, "-"):
			negative = append(negative, v[1:])
		case strings.HasPrefix(strings.ToLower(v), "not "):
			negative = append(negative, strings.TrimSpace(v[4:]))
		default:
			positive = append(positive, v)
		}
	}
	return positive, negative
}

// Special query keys accepted next to facet names.
var specialKeys = map[string]bool{
	"time":        true,
	"time_select": true,
	"bbox":        true,
	"bbox_select": true,
	"zarr_stream": true,
	"file":        true,
	"uri":         true,
}

// ValidateKeys checks user-supplied facet query keys against the index
// schema. Keys are compared after stripping a `_not_` suffix and
// lowercasing. The returned error lists every offending key.
func ValidateKeys(keys []string, validFacets []string, multiVersion bool) error {
	var valid = make(map[string]bool, len(validFacets))
	for _, f := range validFacets {
		valid[strings.ToLower(f)] = true
	}
	if multiVersion {
		valid["dataset_version"] = true
	}
	var invalid []string
	for _, k := range keys {
		var name = strings.ToLower(strings.TrimSuffix(k, "_not_"))
		if !valid[name] && !specialKeys[name] {
			invalid = append(invalid, k)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return &ErrBadQuery{Detail: fmt.Sprintf(
			"could not validate search keys: %s", strings.Join(invalid, ", "))}
	}
	return nil
}
