// Package report answers ad-hoc statistical queries over the lending data.
// Each report type is a fixed Definition record (output shape, base query,
// date column, filter column) interpreted by one generic executor; adding a
// report type means adding a record, not a code path.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"go.uber.org/zap"

	"onlib/internal/models"
	"onlib/internal/protocol"
)

// Report type identifiers as they appear in get_statistics_report requests.
const (
	TypeActivity        = "activity"
	TypeTopBooks        = "top_books"
	TypeGenrePopularity = "genre_popularity"
	TypeTopReaders      = "top_readers"
	TypeOverdue         = "overdue"
	TypeCatalogByGenre  = "catalog"
)

var (
	// ErrUnknownType is returned for a report type outside the closed set.
	ErrUnknownType = errors.New("unknown report type")
	// ErrFilterNotAllowed is returned when a genre filter is supplied for a
	// report type that does not support filtering.
	ErrFilterNotAllowed = errors.New("report type does not accept a filter")
)

// Request identifies a report to run.
type Request struct {
	Type   string
	Start  time.Time
	End    time.Time
	Filter string
}

// Runner produces a report for a request. Implemented by Engine and by the
// in-memory stub used in dispatcher tests.
type Runner interface {
	Run(ctx context.Context, req Request) (models.Report, error)
}

// Rows is the subset of a driver result set the executor needs.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Querier executes a read-only SQL query against the store.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// Definition is one report type: its shape and the query template the
// executor specializes with the request's range and filter.
type Definition struct {
	Shape     string
	Headers   []string // table reports only
	Series    []string // charts with a fixed label set; absent labels come back as 0
	DateCol   string   // empty: date range ignored
	FilterCol string   // empty: genre filter rejected
	Base      *goqu.SelectDataset
}

// loanStarts unifies active rentals and history rows into one
// (user_id, book_id, event_date) relation of loan openings.
var loanStarts = goqu.From("rentals").
	Select(
		goqu.I("user_id"),
		goqu.I("book_id"),
		goqu.I("start_date").As("event_date"),
	).
	UnionAll(goqu.From("rental_history").
		Select(
			goqu.I("user_id"),
			goqu.I("book_id"),
			goqu.I("start_date").As("event_date"),
		))

// activityEvents adds loan closings (keyed by return date) next to openings.
var activityEvents = goqu.From("rentals").
	Select(
		goqu.V("loans").As("label"),
		goqu.I("book_id"),
		goqu.I("start_date").As("event_date"),
	).
	UnionAll(goqu.From("rental_history").
		Select(
			goqu.V("loans").As("label"),
			goqu.I("book_id"),
			goqu.I("start_date").As("event_date"),
		)).
	UnionAll(goqu.From("rental_history").
		Select(
			goqu.V("returns").As("label"),
			goqu.I("book_id"),
			goqu.I("return_date").As("event_date"),
		))

var definitions = map[string]Definition{
	TypeActivity: {
		Shape:     models.ReportChart,
		Series:    []string{"loans", "returns"},
		DateCol:   "e.event_date",
		FilterCol: "b.genre",
		Base: goqu.From(activityEvents.As("e")).
			Join(goqu.T("books").As("b"), goqu.On(goqu.I("e.book_id").Eq(goqu.I("b.id")))).
			Select(goqu.I("e.label"), goqu.L("toFloat64(count())")).
			GroupBy(goqu.I("e.label")).
			Order(goqu.I("e.label").Asc()),
	},
	TypeTopBooks: {
		Shape:     models.ReportTable,
		Headers:   []string{"Title", "Author", "Loans"},
		DateCol:   "l.event_date",
		FilterCol: "b.genre",
		Base: goqu.From(loanStarts.As("l")).
			Join(goqu.T("books").As("b"), goqu.On(goqu.I("l.book_id").Eq(goqu.I("b.id")))).
			Select(goqu.I("b.title"), goqu.I("b.author"), goqu.L("toString(count())")).
			GroupBy(goqu.I("b.title"), goqu.I("b.author")).
			Order(goqu.L("count()").Desc(), goqu.I("b.title").Asc()).
			Limit(10),
	},
	TypeGenrePopularity: {
		Shape:   models.ReportChart,
		DateCol: "l.event_date",
		Base: goqu.From(loanStarts.As("l")).
			Join(goqu.T("books").As("b"), goqu.On(goqu.I("l.book_id").Eq(goqu.I("b.id")))).
			Select(goqu.I("b.genre"), goqu.L("toFloat64(count())")).
			GroupBy(goqu.I("b.genre")).
			Order(goqu.I("b.genre").Asc()),
	},
	TypeTopReaders: {
		Shape:     models.ReportTable,
		Headers:   []string{"Login", "Loans"},
		DateCol:   "l.event_date",
		FilterCol: "b.genre",
		Base: goqu.From(loanStarts.As("l")).
			Join(goqu.T("users").As("u"), goqu.On(goqu.I("l.user_id").Eq(goqu.I("u.id")))).
			Join(goqu.T("books").As("b"), goqu.On(goqu.I("l.book_id").Eq(goqu.I("b.id")))).
			Select(goqu.I("u.login"), goqu.L("toString(count())")).
			GroupBy(goqu.I("u.login")).
			Order(goqu.L("count()").Desc(), goqu.I("u.login").Asc()).
			Limit(10),
	},
	TypeOverdue: {
		// Reflects present-moment state; the requested range is ignored.
		Shape:     models.ReportTable,
		Headers:   []string{"Login", "Title", "Start", "End", "Days overdue"},
		FilterCol: "b.genre",
		Base: goqu.From(goqu.T("rentals").As("r")).
			Join(goqu.T("users").As("u"), goqu.On(goqu.I("r.user_id").Eq(goqu.I("u.id")))).
			Join(goqu.T("books").As("b"), goqu.On(goqu.I("r.book_id").Eq(goqu.I("b.id")))).
			Select(
				goqu.I("u.login"),
				goqu.I("b.title"),
				goqu.L("toString(?)", goqu.I("r.start_date")),
				goqu.L("toString(?)", goqu.I("r.end_date")),
				goqu.L("toString(dateDiff('day', ?, today()))", goqu.I("r.end_date")),
			).
			Where(goqu.I("r.end_date").Lt(goqu.L("today()"))).
			Order(goqu.I("r.end_date").Asc()),
	},
	TypeCatalogByGenre: {
		// Static catalog snapshot; the requested range is ignored.
		Shape: models.ReportChart,
		Base: goqu.From("books").
			Select(goqu.I("genre"), goqu.L("toFloat64(count())")).
			GroupBy(goqu.I("genre")).
			Order(goqu.I("genre").Asc()),
	},
}

// Engine compiles definitions into SQL and runs them against the store.
type Engine struct {
	q      Querier
	logger *zap.Logger
}

// NewEngine creates a report engine over a read-only query source.
func NewEngine(q Querier, logger *zap.Logger) *Engine {
	return &Engine{q: q, logger: logger}
}

// Run executes the report identified by req.
func (e *Engine) Run(ctx context.Context, req Request) (models.Report, error) {
	def, ok := definitions[req.Type]
	if !ok {
		return models.Report{}, ErrUnknownType
	}
	if req.Filter != "" && def.FilterCol == "" {
		return models.Report{}, ErrFilterNotAllowed
	}

	ds := def.Base
	if def.DateCol != "" {
		ds = ds.Where(goqu.I(def.DateCol).Between(goqu.Range(
			req.Start.Format(protocol.DateLayout),
			req.End.Format(protocol.DateLayout),
		)))
	}
	if req.Filter != "" {
		ds = ds.Where(goqu.L("lowerUTF8(?) = lowerUTF8(?)", goqu.I(def.FilterCol), req.Filter))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return models.Report{}, fmt.Errorf("failed to build report query: %w", err)
	}
	e.logger.Debug("Running report query",
		zap.String("report_type", req.Type),
		zap.String("query", query),
	)

	rows, err := e.q.Query(ctx, query)
	if err != nil {
		return models.Report{}, fmt.Errorf("failed to run report query: %w", err)
	}
	defer rows.Close()

	switch def.Shape {
	case models.ReportChart:
		rep, err := scanChart(rows)
		if err != nil {
			return models.Report{}, err
		}
		if len(def.Series) > 0 {
			rep = fillSeries(rep, def.Series)
		}
		return rep, nil
	default:
		return scanTable(rows, def.Headers)
	}
}

// fillSeries re-projects a chart onto a fixed label set. GROUP BY drops
// labels with no rows, but a reader of the chart needs "returns: 0" to be
// distinguishable from a missing series.
func fillSeries(rep models.Report, series []string) models.Report {
	byLabel := make(map[string]float64, len(rep.Labels))
	for i, label := range rep.Labels {
		byLabel[label] = rep.Values[i]
	}
	out := models.Report{Shape: rep.Shape}
	for _, label := range series {
		out.Labels = append(out.Labels, label)
		out.Values = append(out.Values, byLabel[label])
	}
	return out
}

func scanChart(rows Rows) (models.Report, error) {
	rep := models.Report{Shape: models.ReportChart}
	for rows.Next() {
		var label string
		var value float64
		if err := rows.Scan(&label, &value); err != nil {
			return models.Report{}, fmt.Errorf("failed to scan chart row: %w", err)
		}
		rep.Labels = append(rep.Labels, label)
		rep.Values = append(rep.Values, value)
	}
	if err := rows.Err(); err != nil {
		return models.Report{}, fmt.Errorf("chart rows failed: %w", err)
	}
	return rep, nil
}

func scanTable(rows Rows, headers []string) (models.Report, error) {
	// Zero matching rows still yields the headers, so an empty table stays
	// distinguishable from a malformed request.
	rep := models.Report{Shape: models.ReportTable, Headers: headers}
	for rows.Next() {
		row := make([]string, len(headers))
		dest := make([]any, len(headers))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return models.Report{}, fmt.Errorf("failed to scan table row: %w", err)
		}
		rep.Rows = append(rep.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return models.Report{}, fmt.Errorf("table rows failed: %w", err)
	}
	return rep, nil
}
