package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RDBMS is a relational metadata index backend (PostgreSQL via pgx).
// Facet metadata lives in a wide table with one column per facet; the
// uniq keys are unique columns.
type RDBMS struct {
	pool      *pgxpool.Pool
	table     string
	columns   []string
	batchSize int
}

// rdbmsColumns are the facet columns of the metadata table.
var rdbmsColumns = []string{
	"project", "product", "institute", "model", "experiment",
	"time_frequency", "realm", "variable", "ensemble", "time_aggregation",
	"fs_type", "grid_label", "cmor_table", "driving_model", "format",
	"grid_id", "level_type", "rcm_name", "rcm_version", "dataset_version",
	"user_name",
}

// NewRDBMS connects a pool to the metadata table.
func NewRDBMS(ctx context.Context, dsn, table string) (*RDBMS, error) {
	var pool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect metadata database: %w", err)
	}
	if table == "" {
		table = "metadata"
	}
	return &RDBMS{pool: pool, table: table, columns: rdbmsColumns, batchSize: DefaultBatchSize}, nil
}

func (r *RDBMS) Facets(context.Context) ([]string, error) {
	var out = make([]string, 0, len(r.columns))
	for _, c := range r.columns {
		if c != "user_name" {
			out = append(out, c)
		}
	}
	return out, nil
}

// whereClause renders the request as SQL conditions with bind args.
func (r *RDBMS) whereClause(req *Request) (string, []any) {
	var conds []string
	var args []any
	var arg = func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if req.UserOnly {
		conds = append(conds, "user_name IS NOT NULL")
	} else {
		conds = append(conds, "user_name IS NULL")
	}
	for _, facet := range sortedKeys(req.Facets) {
		var lowered = lowerValues(facet, req.Facets[facet])
		conds = append(conds, fmt.Sprintf("%s = ANY(%s)", facet, arg(lowered)))
	}
	for _, facet := range sortedKeys(req.NotFacets) {
		var lowered = lowerValues(facet, req.NotFacets[facet])
		conds = append(conds, fmt.Sprintf("NOT (%s = ANY(%s))", facet, arg(lowered)))
	}
	if tr := req.Time; tr != nil {
		switch tr.Op {
		case OpWithin:
			conds = append(conds, fmt.Sprintf("time_start >= %s AND time_end <= %s",
				arg(tr.Start), arg(tr.End)))
		case OpContains:
			conds = append(conds, fmt.Sprintf("time_start <= %s AND time_end >= %s",
				arg(tr.Start), arg(tr.End)))
		default: // Intersects
			conds = append(conds, fmt.Sprintf("time_start <= %s AND time_end >= %s",
				arg(tr.End), arg(tr.Start)))
		}
	}
	if b := req.BBox; b != nil {
		switch b.Op {
		case OpWithin:
			conds = append(conds, fmt.Sprintf(
				"lon_min >= %s AND lon_max <= %s AND lat_min >= %s AND lat_max <= %s",
				arg(b.MinLon), arg(b.MaxLon), arg(b.MinLat), arg(b.MaxLat)))
		case OpContains:
			conds = append(conds, fmt.Sprintf(
				"lon_min <= %s AND lon_max >= %s AND lat_min <= %s AND lat_max >= %s",
				arg(b.MinLon), arg(b.MaxLon), arg(b.MinLat), arg(b.MaxLat)))
		default:
			conds = append(conds, fmt.Sprintf(
				"lon_min <= %s AND lon_max >= %s AND lat_min <= %s AND lat_max >= %s",
				arg(b.MaxLon), arg(b.MinLon), arg(b.MaxLat), arg(b.MinLat)))
		}
	}
	if !req.MultiVersion {
		conds = append(conds, "is_latest")
	}
	return strings.Join(conds, " AND "), args
}

func lowerValues(facet string, values []string) []string {
	var out = make([]string, len(values))
	for i, v := range values {
		if facet == "file" || facet == "uri" {
			out[i] = v
		} else {
			out[i] = strings.ToLower(v)
		}
	}
	return out
}

func (r *RDBMS) count(ctx context.Context, req *Request) (int64, error) {
	var where, args = r.whereClause(req)
	var total int64
	var err = r.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", r.table, where), args...,
	).Scan(&total)
	if err != nil {
		return 0, &ErrBackend{Err: fmt.Errorf("count query failed: %w", err)}
	}
	return total, nil
}

func (r *RDBMS) facetCounts(ctx context.Context, req *Request) (FacetCounts, error) {
	var fields = req.FacetFields
	if len(fields) == 0 {
		fields, _ = r.Facets(ctx)
	}
	var where, args = r.whereClause(req)
	var out = FacetCounts{}
	for _, facet := range fields {
		var q = fmt.Sprintf(
			"SELECT %s, COUNT(*) FROM %s WHERE %s AND %s IS NOT NULL GROUP BY %s ORDER BY %s",
			facet, r.table, where, facet, facet, facet)
		rows, err := r.pool.Query(ctx, q, args...)
		if err != nil {
			return nil, &ErrBackend{Err: fmt.Errorf("facet query failed: %w", err)}
		}
		var flat []any
		for rows.Next() {
			var value string
			var count int64
			if err = rows.Scan(&value, &count); err != nil {
				rows.Close()
				return nil, &ErrBackend{Err: err}
			}
			flat = append(flat, value, count)
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, &ErrBackend{Err: err}
		}
		if len(flat) > 0 {
			out[facet] = flat
		}
	}
	return out, nil
}

func (r *RDBMS) MetadataSearch(ctx context.Context, req *Request) (*Result, error) {
	total, err := r.count(ctx, req)
	if err != nil {
		return nil, err
	}
	facets, err := r.facetCounts(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Total: total, Facets: facets}, nil
}

func (r *RDBMS) ExtendedSearch(ctx context.Context, req *Request) (*Result, error) {
	var res, err = r.MetadataSearch(ctx, req)
	if err != nil {
		return nil, err
	}
	var where, args = r.whereClause(req)
	var q = fmt.Sprintf(
		"SELECT row_to_json(t) FROM (SELECT * FROM %s WHERE %s ORDER BY file DESC LIMIT %d OFFSET %d) t",
		r.table, where, req.MaxResults, req.Start)
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, &ErrBackend{Err: fmt.Errorf("select query failed: %w", err)}
	}
	defer rows.Close()
	for rows.Next() {
		var doc Doc
		if err = rows.Scan(&doc); err != nil {
			return nil, &ErrBackend{Err: err}
		}
		res.Docs = append(res.Docs, doc)
	}
	return res, rows.Err()
}

// StreamKeys walks the result set with keyset pagination on the uniq
// key column, so deep result sets never scan with growing offsets.
func (r *RDBMS) StreamKeys(ctx context.Context, req *Request, emit func(string) error) (int64, error) {
	var total, err = r.count(ctx, req)
	if err != nil {
		return 0, err
	}
	var where, args = r.whereClause(req)
	var key = string(req.UniqKey)
	var last = ""
	for {
		var q = fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s AND %s > $%d ORDER BY %s LIMIT %d",
			key, r.table, where, key, len(args)+1, key, r.batchSize)
		rows, qerr := r.pool.Query(ctx, q, append(append([]any{}, args...), last)...)
		if qerr != nil {
			return total, &ErrBackend{Err: qerr}
		}
		var n int
		for rows.Next() {
			if err = rows.Scan(&last); err != nil {
				rows.Close()
				return total, &ErrBackend{Err: err}
			}
			if err = emit(last); err != nil {
				rows.Close()
				return total, err
			}
			n++
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return total, &ErrBackend{Err: err}
		}
		if n < r.batchSize {
			return total, nil
		}
	}
}

func (r *RDBMS) StreamDocs(ctx context.Context, req *Request, emit func(Doc) error) (int64, error) {
	var total, err = r.count(ctx, req)
	if err != nil {
		return 0, err
	}
	var where, args = r.whereClause(req)
	var last = ""
	for {
		var q = fmt.Sprintf(
			"SELECT file, row_to_json(t) FROM (SELECT * FROM %s WHERE %s AND file > $%d ORDER BY file LIMIT %d) t",
			r.table, where, len(args)+1, r.batchSize)
		rows, qerr := r.pool.Query(ctx, q, append(append([]any{}, args...), last)...)
		if qerr != nil {
			return total, &ErrBackend{Err: qerr}
		}
		var n int
		for rows.Next() {
			var doc Doc
			if err = rows.Scan(&last, &doc); err != nil {
				rows.Close()
				return total, &ErrBackend{Err: err}
			}
			if err = emit(doc); err != nil {
				rows.Close()
				return total, err
			}
			n++
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return total, &ErrBackend{Err: err}
		}
		if n < r.batchSize {
			return total, nil
		}
	}
}

// Close releases the connection pool.
func (r *RDBMS) Close() { r.pool.Close() }

var _ Backend = (*RDBMS)(nil)
