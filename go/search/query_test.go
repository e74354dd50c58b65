package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTimeRange(t *testing.T) {
	// Case: full range, year precision. Both years covered fully.
	tr, err := ParseTimeRange("2000 to 2010", "")
	require.NoError(t, err)
	require.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), tr.Start)
	require.Equal(t, time.Date(2010, 12, 31, 23, 59, 59, 0, time.UTC), tr.End)
	require.Equal(t, OpIntersects, tr.Op)

	// Case: bare timestamp covers that instant span.
	tr, err = ParseTimeRange("2004-02", "strict")
	require.NoError(t, err)
	require.Equal(t, time.Date(2004, 2, 1, 0, 0, 0, 0, time.UTC), tr.Start)
	require.Equal(t, time.Date(2004, 2, 29, 23, 59, 59, 0, time.UTC), tr.End) // leap year
	require.Equal(t, OpWithin, tr.Op)

	// Case: open start.
	tr, err = ParseTimeRange("to 1990-06-15", "file")
	require.NoError(t, err)
	require.Equal(t, time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC), tr.Start)
	require.Equal(t, time.Date(1990, 6, 15, 23, 59, 59, 0, time.UTC), tr.End)
	require.Equal(t, OpContains, tr.Op)

	// Case: full timestamps pass through.
	tr, err = ParseTimeRange("2020-01-02T03:04:05 to 2020-01-02T06:07:08", "flexible")
	require.NoError(t, err)
	require.Equal(t, time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC), tr.Start)
	require.Equal(t, time.Date(2020, 1, 2, 6, 7, 8, 0, time.UTC), tr.End)

	// Case: garbage timestamp.
	_, err = ParseTimeRange("someday to 2000", "")
	var bad *ErrBadQuery
	require.ErrorAs(t, err, &bad)

	// Case: invalid selector is a server error, not a user error.
	_, err = ParseTimeRange("2000 to 2010", "fuzzy")
	var sel *ErrInvalidSelect
	require.ErrorAs(t, err, &sel)
}

func TestTimeSolrFilter(t *testing.T) {
	var tr, err = ParseTimeRange("2000 to 2010", "strict")
	require.NoError(t, err)
	require.Equal(t,
		"{!field f=time op=Within}[2000-01-01T00:00:00Z TO 2010-12-31T23:59:59Z]",
		tr.SolrFilter())
}

func TestParseBBox(t *testing.T) {
	var b, err = ParseBBox("-10,30.5,45,60", "")
	require.NoError(t, err)
	require.Equal(t, &BBox{MinLon: -10, MaxLon: 30.5, MinLat: 45, MaxLat: 60, Op: OpIntersects}, b)
	require.Equal(t, `bbox:"Intersects(ENVELOPE(-10,30.5,60,45))"`, b.SolrFilter())

	// Case: out of bounds latitude.
	_, err = ParseBBox("0,10,80,95", "")
	var bad *ErrBadQuery
	require.ErrorAs(t, err, &bad)

	// Case: inverted longitude.
	_, err = ParseBBox("20,10,0,5", "")
	require.ErrorAs(t, err, &bad)

	// Case: wrong arity.
	_, err = ParseBBox("1,2,3", "")
	require.ErrorAs(t, err, &bad)
}

func TestSplitNegations(t *testing.T) {
	var pos, neg = SplitNegations([]string{"tas", "!pr", "-uas", "not vas", "NOT psl"})
	require.Equal(t, []string{"tas"}, pos)
	require.Equal(t, []string{"pr", "uas", "vas", "psl"}, neg)
}

func TestEscapeValue(t *testing.T) {
	require.Equal(t, `a\-b`, EscapeValue("a-b"))
	require.Equal(t, `\(x\)\:y\/z`, EscapeValue("(x):y/z"))
	// Wildcards and quotes survive.
	require.Equal(t, `tas*`, EscapeValue("tas*"))
}

func TestValidateKeys(t *testing.T) {
	var facets = []string{"project", "model", "variable"}

	// Case: facet keys, negation suffix and special keys are all fine.
	require.NoError(t, ValidateKeys(
		[]string{"project", "model_not_", "time", "bbox_select", "file"}, facets, false))

	// Case: dataset_version only with multi-version indexes.
	require.Error(t, ValidateKeys([]string{"dataset_version"}, facets, false))
	require.NoError(t, ValidateKeys([]string{"dataset_version"}, facets, true))

	// Case: unknown keys are listed.
	var err = ValidateKeys([]string{"proj", "modle"}, facets, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "modle")
	require.Contains(t, err.Error(), "proj")
}

func TestFilterQueries(t *testing.T) {
	var tr, _ = ParseTimeRange("2000 to 2001", "")
	var req = &Request{
		UniqKey: UniqFile,
		Facets: map[string][]string{
			"variable": {"TAS", "PR"},
			"file":     {"/Data/File.NC"},
		},
		NotFacets: map[string][]string{"model": {"mpi-esm"}},
		Time:      tr,
	}
	var fq = FilterQueries(req)

	require.Contains(t, fq, "{!ex=userTag}-user:*")
	// Values lowercase and OR-joined; the uniq key keeps its case.
	require.Contains(t, fq, "variable:(tas OR pr)")
	require.Contains(t, fq, `file:(\/Data\/File.NC)`)
	require.Contains(t, fq, `-model:(mpi\-esm)`)
	require.Contains(t, fq, "{!field f=time op=Intersects}[2000-01-01T00:00:00Z TO 2001-12-31T23:59:59Z]")

	// Case: the user flavour flips the user filter.
	req.UserOnly = true
	require.Contains(t, FilterQueries(req), "user:*")
}

func TestSolrCursorTermination(t *testing.T) {
	// Covered end to end in solr_test.go with a stub server; here we
	// only pin the page size default.
	require.Equal(t, 150, DefaultBatchSize)
}
