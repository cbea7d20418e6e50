package ch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clickhouseTC "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"go.uber.org/zap"

	"onlib/internal/models"
	"onlib/internal/report"
)

// runMigrations manually creates the schema for tests
func runMigrations(ctx context.Context, db *ClickHouseDB) error {
	for _, table := range []string{"rental_history", "rentals", "books", "users"} {
		if err := db.conn.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return err
		}
	}

	statements := []string{
		`CREATE TABLE users (
			id Int32,
			login String,
			password String,
			email String,
			role String,
			status String DEFAULT 'active'
		) ENGINE = MergeTree()
		ORDER BY id`,
		`CREATE TABLE books (
			id Int32,
			title String,
			author String,
			year String,
			genre String,
			is_available Bool DEFAULT true,
			annotation String DEFAULT ''
		) ENGINE = MergeTree()
		ORDER BY id`,
		`CREATE TABLE rentals (
			id Int32,
			user_id Int32,
			book_id Int32,
			start_date Date,
			end_date Date
		) ENGINE = MergeTree()
		ORDER BY id`,
		`CREATE TABLE rental_history (
			id Int32,
			user_id Int32,
			book_id Int32,
			start_date Date,
			end_date Date,
			return_date Date
		) ENGINE = MergeTree()
		ORDER BY id`,
	}
	for _, stmt := range statements {
		if err := db.conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// setupTestDB creates a test ClickHouse instance using testcontainers
func setupTestDB(t *testing.T) (*ClickHouseDB, func()) {
	ctx := context.Background()

	clickhouseContainer, err := clickhouseTC.Run(ctx,
		"clickhouse/clickhouse-server:24.3.3.102-alpine",
		clickhouseTC.WithUsername("default"),
		clickhouseTC.WithPassword(""),
		clickhouseTC.WithDatabase("default"),
	)
	require.NoError(t, err, "Failed to start ClickHouse container")

	host, err := clickhouseContainer.Host(ctx)
	require.NoError(t, err)

	port, err := clickhouseContainer.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)

	db, err := NewClickHouseDB(host, port.Int(), "default", "default", "", false)
	require.NoError(t, err, "Failed to connect to ClickHouse")

	err = runMigrations(ctx, db)
	require.NoError(t, err, "Failed to run migrations")

	err = db.Initialize(ctx)
	require.NoError(t, err, "Failed to initialize database")

	cleanup := func() {
		db.Close()
		clickhouseContainer.Terminate(ctx)
	}

	return db, cleanup
}

func mustRegister(t *testing.T, db *ClickHouseDB, login string) models.User {
	t.Helper()
	ctx := context.Background()
	ok, err := db.RegisterUser(ctx, login, "pw", login+"@example.com", models.RoleClient)
	require.NoError(t, err)
	require.True(t, ok)
	user, found, err := db.GetUserByLogin(ctx, login)
	require.NoError(t, err)
	require.True(t, found)
	return user
}

func mustAddBook(t *testing.T, db *ClickHouseDB, title, author, year, genre string) models.Book {
	t.Helper()
	ctx := context.Background()
	ok, err := db.AddBook(ctx, title, author, year, genre, "")
	require.NoError(t, err)
	require.True(t, ok)
	books, err := db.ListBooks(ctx)
	require.NoError(t, err)
	return books[len(books)-1]
}

func TestClickHouseDB_RegisterAndAuthenticate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := mustRegister(t, db, "alice")
	assert.Equal(t, int32(1), user.ID)
	assert.Equal(t, models.StatusActive, user.Status)

	// Duplicate login is rejected
	ok, err := db.RegisterUser(ctx, "alice", "other", "x@example.com", models.RoleClient)
	require.NoError(t, err)
	assert.False(t, ok)

	// Valid credentials
	got, ok, err := db.Authenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, user.ID, got.ID)

	// Wrong password
	_, ok, err = db.Authenticate(ctx, "alice", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	// Blocked account
	ok, err = db.SetUserStatus(ctx, user.ID, models.StatusBlocked)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = db.Authenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClickHouseDB_UpdateEmail(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	alice := mustRegister(t, db, "alice")
	mustRegister(t, db, "bob")

	// New email is applied
	ok, err := db.UpdateEmail(ctx, alice.ID, "new@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := db.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.Email)

	// Another account's email is rejected
	ok, err = db.UpdateEmail(ctx, alice.ID, "bob@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown user
	ok, err = db.UpdateEmail(ctx, 999, "x@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClickHouseDB_LendingLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	alice := mustRegister(t, db, "alice")
	book := mustAddBook(t, db, "Dune", "Frank Herbert", "1965", "Sci-Fi")
	require.True(t, book.IsAvailable)

	// Assign opens a rental and flips availability
	ok, err := db.AssignBook(ctx, alice.ID, book.ID)
	require.NoError(t, err)
	require.True(t, ok)

	books, err := db.ListBooks(ctx)
	require.NoError(t, err)
	assert.False(t, books[0].IsAvailable)

	// A loaned book cannot be assigned again
	ok, err = db.AssignBook(ctx, alice.ID, book.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	rentals, err := db.GetUserRentals(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, rentals, 1)
	assert.Equal(t, "Dune", rentals[0].Title)
	assert.Equal(t, rentals[0].StartDate.AddDate(0, 0, 14), rentals[0].EndDate)

	// Extend moves the end date
	ok, err = db.ExtendRental(ctx, alice.ID, book.ID, 7)
	require.NoError(t, err)
	require.True(t, ok)

	rentals, err = db.GetUserRentals(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, rentals[0].StartDate.AddDate(0, 0, 21), rentals[0].EndDate)

	// Return closes the rental, writes history, restores availability
	ok, err = db.UnassignBook(ctx, alice.ID, book.ID)
	require.NoError(t, err)
	require.True(t, ok)

	books, err = db.ListBooks(ctx)
	require.NoError(t, err)
	assert.True(t, books[0].IsAvailable)

	rentals, err = db.GetUserRentals(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, rentals)

	history, err := db.GetRentalHistory(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Dune", history[0].BookTitle)

	// Second return fails
	ok, err = db.UnassignBook(ctx, alice.ID, book.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClickHouseDB_OverdueDetection(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	alice := mustRegister(t, db, "alice")
	book := mustAddBook(t, db, "Dune", "Frank Herbert", "1965", "Sci-Fi")

	ok, err := db.AssignBook(ctx, alice.ID, book.ID)
	require.NoError(t, err)
	require.True(t, ok)

	debts, err := db.GetAllDebts(ctx)
	require.NoError(t, err)
	require.Len(t, debts, 1)
	assert.False(t, debts[0].IsOverdue)

	// Pull the end date into the past
	ok, err = db.ExtendRental(ctx, alice.ID, book.ID, -30)
	require.NoError(t, err)
	require.True(t, ok)

	debts, err = db.GetUserDebts(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, debts, 1)
	assert.True(t, debts[0].IsOverdue)
	assert.Equal(t, "alice", debts[0].UserLogin)

	stats, err := db.GetLibraryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OverdueRentals)
}

func TestClickHouseDB_SearchBooks(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mustAddBook(t, db, "Dune", "Frank Herbert", "1965", "Sci-Fi")
	mustAddBook(t, db, "Dune Messiah", "Frank Herbert", "1969", "Sci-Fi")
	mustAddBook(t, db, "Emma", "Jane Austen", "1815", "Romance")

	books, err := db.SearchBooks(ctx, "title", "dune")
	require.NoError(t, err)
	assert.Len(t, books, 2)

	books, err = db.SearchBooks(ctx, "author", "AUSTEN")
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "Emma", books[0].Title)

	books, err = db.SearchBooks(ctx, "isbn", "x")
	require.NoError(t, err)
	assert.Nil(t, books)

	genres, err := db.ListGenres(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Romance", "Sci-Fi"}, genres)
}

func TestClickHouseDB_ConcurrentAssign(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	book := mustAddBook(t, db, "Dune", "Frank Herbert", "1965", "Sci-Fi")

	const workers = 8
	users := make([]models.User, workers)
	for i := range users {
		users[i] = mustRegister(t, db, "user"+string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(userID int32) {
			defer wg.Done()
			ok, err := db.AssignBook(ctx, userID, book.ID)
			assert.NoError(t, err)
			results <- ok
		}(users[i].ID)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "only one concurrent assign may win")
}

func TestClickHouseDB_ReportEngine(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	alice := mustRegister(t, db, "alice")
	bob := mustRegister(t, db, "bob")
	dune := mustAddBook(t, db, "Dune", "Frank Herbert", "1965", "Sci-Fi")
	emma := mustAddBook(t, db, "Emma", "Jane Austen", "1815", "Romance")

	ok, err := db.AssignBook(ctx, alice.ID, dune.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.AssignBook(ctx, bob.ID, emma.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.UnassignBook(ctx, bob.ID, emma.ID)
	require.NoError(t, err)
	require.True(t, ok)

	engine := report.NewEngine(db.ReportQuerier(), zap.NewNop())
	start := time.Now().UTC().AddDate(0, 0, -1)
	end := time.Now().UTC().AddDate(0, 0, 1)

	t.Run("activity", func(t *testing.T) {
		rep, err := engine.Run(ctx, report.Request{Type: report.TypeActivity, Start: start, End: end})
		require.NoError(t, err)
		require.Equal(t, models.ReportChart, rep.Shape)
		assert.Equal(t, []string{"loans", "returns"}, rep.Labels)
		assert.Equal(t, []float64{2, 1}, rep.Values)
	})

	t.Run("top_books with filter", func(t *testing.T) {
		rep, err := engine.Run(ctx, report.Request{
			Type: report.TypeTopBooks, Start: start, End: end, Filter: "sci-fi",
		})
		require.NoError(t, err)
		require.Len(t, rep.Rows, 1)
		assert.Equal(t, []string{"Dune", "Frank Herbert", "1"}, rep.Rows[0])
	})

	t.Run("genre_popularity", func(t *testing.T) {
		rep, err := engine.Run(ctx, report.Request{Type: report.TypeGenrePopularity, Start: start, End: end})
		require.NoError(t, err)
		assert.Equal(t, []string{"Romance", "Sci-Fi"}, rep.Labels)
		assert.Equal(t, []float64{1, 1}, rep.Values)
	})

	t.Run("catalog", func(t *testing.T) {
		rep, err := engine.Run(ctx, report.Request{Type: report.TypeCatalogByGenre})
		require.NoError(t, err)
		assert.Equal(t, []string{"Romance", "Sci-Fi"}, rep.Labels)
	})

	t.Run("overdue empty", func(t *testing.T) {
		rep, err := engine.Run(ctx, report.Request{Type: report.TypeOverdue})
		require.NoError(t, err)
		assert.Equal(t, []string{"Login", "Title", "Start", "End", "Days overdue"}, rep.Headers)
		assert.Empty(t, rep.Rows)
	})
}

func TestClickHouseDB_InitializeSeedsSequences(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mustRegister(t, db, "alice")
	mustAddBook(t, db, "Dune", "Frank Herbert", "1965", "Sci-Fi")

	// Re-seeding from data keeps the sequences past existing ids
	require.NoError(t, db.Initialize(ctx))
	bob := mustRegister(t, db, "bob")
	assert.Equal(t, int32(2), bob.ID)
}

func TestClickHouseDB_Close(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	err := db.Close()
	assert.NoError(t, err)
}
