package report

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"onlib/internal/models"
)

// fakeRows replays canned rows; each row's values must match the scan targets.
type fakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: %d targets for %d values", len(dest), len(row))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *float64:
			*d = v.(float64)
		default:
			return fmt.Errorf("unsupported scan target %T", dest[i])
		}
	}
	return nil
}

func (r *fakeRows) Err() error   { return r.err }
func (r *fakeRows) Close() error { return nil }

type fakeQuerier struct {
	lastQuery string
	rows      *fakeRows
	err       error
}

func (q *fakeQuerier) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	q.lastQuery = query
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func testRange() (time.Time, time.Time) {
	start, _ := time.Parse("2006-01-02", "2026-01-01")
	end, _ := time.Parse("2006-01-02", "2026-06-30")
	return start, end
}

func TestRun_UnknownType(t *testing.T) {
	e := NewEngine(&fakeQuerier{}, zap.NewNop())
	start, end := testRange()

	_, err := e.Run(context.Background(), Request{Type: "nonsense", Start: start, End: end})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRun_FilterRejectedWhereUnsupported(t *testing.T) {
	e := NewEngine(&fakeQuerier{}, zap.NewNop())
	start, end := testRange()

	for _, typ := range []string{TypeGenrePopularity, TypeCatalogByGenre} {
		_, err := e.Run(context.Background(), Request{Type: typ, Start: start, End: end, Filter: "Sci-Fi"})
		assert.ErrorIs(t, err, ErrFilterNotAllowed, typ)
	}
}

func TestRun_ChartShaping(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{rows: [][]any{
		{"loans", 12.0},
		{"returns", 7.0},
	}}}
	e := NewEngine(q, zap.NewNop())
	start, end := testRange()

	rep, err := e.Run(context.Background(), Request{Type: TypeActivity, Start: start, End: end})
	require.NoError(t, err)

	assert.Equal(t, models.ReportChart, rep.Shape)
	assert.Equal(t, []string{"loans", "returns"}, rep.Labels)
	assert.Equal(t, []float64{12, 7}, rep.Values)
	assert.Empty(t, rep.Headers)
}

func TestRun_ChartZeroFillsFixedSeries(t *testing.T) {
	// Loans in range but nothing returned yet: GROUP BY yields only the
	// "loans" row, the chart must still carry an explicit zero for "returns".
	q := &fakeQuerier{rows: &fakeRows{rows: [][]any{
		{"loans", 1.0},
	}}}
	e := NewEngine(q, zap.NewNop())
	start, end := testRange()

	rep, err := e.Run(context.Background(), Request{Type: TypeActivity, Start: start, End: end})
	require.NoError(t, err)

	assert.Equal(t, []string{"loans", "returns"}, rep.Labels)
	assert.Equal(t, []float64{1, 0}, rep.Values)
}

func TestRun_TableShaping(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{rows: [][]any{
		{"Dune", "Frank Herbert", "4"},
		{"Emma", "Jane Austen", "2"},
	}}}
	e := NewEngine(q, zap.NewNop())
	start, end := testRange()

	rep, err := e.Run(context.Background(), Request{Type: TypeTopBooks, Start: start, End: end})
	require.NoError(t, err)

	assert.Equal(t, models.ReportTable, rep.Shape)
	assert.Equal(t, []string{"Title", "Author", "Loans"}, rep.Headers)
	assert.Equal(t, [][]string{
		{"Dune", "Frank Herbert", "4"},
		{"Emma", "Jane Austen", "2"},
	}, rep.Rows)
}

func TestRun_EmptyTableKeepsHeaders(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{}}
	e := NewEngine(q, zap.NewNop())
	start, end := testRange()

	rep, err := e.Run(context.Background(), Request{Type: TypeTopReaders, Start: start, End: end})
	require.NoError(t, err)

	assert.Equal(t, []string{"Login", "Loans"}, rep.Headers)
	assert.Empty(t, rep.Rows)
}

func TestRun_QueryContents(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{}}
	e := NewEngine(q, zap.NewNop())
	start, end := testRange()

	t.Run("date range applied", func(t *testing.T) {
		_, err := e.Run(context.Background(), Request{Type: TypeTopBooks, Start: start, End: end})
		require.NoError(t, err)

		assert.Contains(t, q.lastQuery, `BETWEEN '2026-01-01' AND '2026-06-30'`)
		assert.Contains(t, q.lastQuery, "rental_history")
		assert.Contains(t, q.lastQuery, "LIMIT")
	})

	t.Run("genre filter applied case-insensitively", func(t *testing.T) {
		q.rows = &fakeRows{}
		_, err := e.Run(context.Background(), Request{
			Type: TypeTopBooks, Start: start, End: end, Filter: "sci-fi",
		})
		require.NoError(t, err)

		assert.Contains(t, q.lastQuery, "lowerUTF8")
		assert.Contains(t, q.lastQuery, "sci-fi")
	})

	t.Run("overdue ignores the range", func(t *testing.T) {
		q.rows = &fakeRows{}
		_, err := e.Run(context.Background(), Request{Type: TypeOverdue, Start: start, End: end})
		require.NoError(t, err)

		assert.NotContains(t, q.lastQuery, "2026-01-01")
		assert.Contains(t, q.lastQuery, "today()")
	})

	t.Run("catalog ignores the range", func(t *testing.T) {
		q.rows = &fakeRows{}
		_, err := e.Run(context.Background(), Request{Type: TypeCatalogByGenre, Start: start, End: end})
		require.NoError(t, err)

		assert.NotContains(t, q.lastQuery, "2026-01-01")
		assert.Contains(t, q.lastQuery, `"books"`)
	})
}

func TestRun_QueryError(t *testing.T) {
	boom := errors.New("connection refused")
	e := NewEngine(&fakeQuerier{err: boom}, zap.NewNop())
	start, end := testRange()

	_, err := e.Run(context.Background(), Request{Type: TypeActivity, Start: start, End: end})
	assert.ErrorIs(t, err, boom)
}
