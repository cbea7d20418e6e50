package ch

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"onlib/internal/models"
	"onlib/internal/report"
	"onlib/internal/storage"
)

// ClickHouseDB implements storage.Storage on top of ClickHouse.
//
// ClickHouse has no row-level transactions, so every mutating operation runs
// under a single write mutex and updates/deletes go through synchronous
// mutations. That serializes the multi-step lending transitions (assign,
// unassign, extend) against each other, which is all the consistency model
// requires for a single authoritative store instance.
type ClickHouseDB struct {
	conn clickhouse.Conn

	mu sync.Mutex

	userSeq    atomic.Int32
	bookSeq    atomic.Int32
	rentalSeq  atomic.Int32
	historySeq atomic.Int32
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(host string, port int, database, user, password string, useTLS bool) (*ClickHouseDB, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	options := &clickhouse.Options{
		Addr:     []string{addr},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
	}

	if useTLS {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// syncCtx makes ALTER TABLE mutations block until applied, so a mutator's
// effect is visible to the next query.
func syncCtx(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 1,
	}))
}

// Initialize seeds the id sequences from the current table contents.
// Tables themselves are managed via migrations (see migrations/ directory).
func (db *ClickHouseDB) Initialize(ctx context.Context) error {
	seqs := []struct {
		table string
		seq   *atomic.Int32
	}{
		{"users", &db.userSeq},
		{"books", &db.bookSeq},
		{"rentals", &db.rentalSeq},
		{"rental_history", &db.historySeq},
	}
	for _, s := range seqs {
		var maxID int32
		row := db.conn.QueryRow(ctx, fmt.Sprintf("SELECT toInt32(max(id)) FROM %s", s.table))
		if err := row.Scan(&maxID); err != nil {
			return fmt.Errorf("failed to seed id sequence for %s: %w", s.table, err)
		}
		s.seq.Store(maxID)
	}
	return nil
}

// ReportQuerier exposes read-only query access for the report engine.
func (db *ClickHouseDB) ReportQuerier() report.Querier {
	return chQuerier{conn: db.conn}
}

type chQuerier struct {
	conn clickhouse.Conn
}

func (q chQuerier) Query(ctx context.Context, query string, args ...any) (report.Rows, error) {
	return q.conn.Query(ctx, query, args...)
}

// Authenticate checks credentials and account status
func (db *ClickHouseDB) Authenticate(ctx context.Context, login, password string) (models.User, bool, error) {
	user, ok, err := db.GetUserByLogin(ctx, login)
	if err != nil || !ok {
		return models.User{}, false, err
	}
	if user.Password != password || user.Status != models.StatusActive {
		return models.User{}, false, nil
	}
	return user, true, nil
}

// RegisterUser creates an account; fails when the login is already taken.
// Email uniqueness is deliberately not checked here, matching UpdateEmail's
// asymmetric counterpart.
func (db *ClickHouseDB) RegisterUser(ctx context.Context, login, password, email, role string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	taken, err := db.exists(ctx, "SELECT count() FROM users WHERE login = ?", login)
	if err != nil {
		return false, err
	}
	if taken {
		return false, nil
	}

	err = db.conn.Exec(ctx,
		`INSERT INTO users (id, login, password, email, role, status) VALUES (?, ?, ?, ?, ?, ?)`,
		db.userSeq.Add(1), login, password, email, role, models.StatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to register user: %w", err)
	}
	return true, nil
}

// GetUserByID returns the user with the given id
func (db *ClickHouseDB) GetUserByID(ctx context.Context, userID int32) (models.User, bool, error) {
	return db.getUser(ctx,
		`SELECT id, login, password, email, role, status FROM users WHERE id = ?`, userID)
}

// GetUserByLogin returns the user with the given login
func (db *ClickHouseDB) GetUserByLogin(ctx context.Context, login string) (models.User, bool, error) {
	return db.getUser(ctx,
		`SELECT id, login, password, email, role, status FROM users WHERE login = ?`, login)
}

func (db *ClickHouseDB) getUser(ctx context.Context, query string, arg any) (models.User, bool, error) {
	rows, err := db.conn.Query(ctx, query, arg)
	if err != nil {
		return models.User{}, false, fmt.Errorf("failed to query user: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return models.User{}, false, rows.Err()
	}
	var u models.User
	if err := rows.Scan(&u.ID, &u.Login, &u.Password, &u.Email, &u.Role, &u.Status); err != nil {
		return models.User{}, false, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, true, nil
}

// ListClientUsers returns id and login of every client account, ordered by login
func (db *ClickHouseDB) ListClientUsers(ctx context.Context) ([]models.UserSummary, error) {
	rows, err := db.conn.Query(ctx,
		`SELECT id, login FROM users WHERE role = ? ORDER BY login`, models.RoleClient)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.UserSummary
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.ID, &u.Login); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetUserStatus updates a user's status; ok iff the user exists
func (db *ClickHouseDB) SetUserStatus(ctx context.Context, userID int32, status string) (bool, error) {
	return db.updateUserField(ctx, userID, "status", status)
}

// ResetPassword overwrites a user's password; ok iff the user exists
func (db *ClickHouseDB) ResetPassword(ctx context.Context, userID int32, newPassword string) (bool, error) {
	return db.updateUserField(ctx, userID, "password", newPassword)
}

// UpdateEmail changes a user's email after checking it is not used by any
// other account
func (db *ClickHouseDB) UpdateEmail(ctx context.Context, userID int32, newEmail string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	exists, err := db.exists(ctx, "SELECT count() FROM users WHERE id = ?", userID)
	if err != nil || !exists {
		return false, err
	}
	taken, err := db.exists(ctx,
		"SELECT count() FROM users WHERE email = ? AND id != ?", newEmail, userID)
	if err != nil || taken {
		return false, err
	}

	err = db.conn.Exec(syncCtx(ctx),
		`ALTER TABLE users UPDATE email = ? WHERE id = ?`, newEmail, userID)
	if err != nil {
		return false, fmt.Errorf("failed to update email: %w", err)
	}
	return true, nil
}

func (db *ClickHouseDB) updateUserField(ctx context.Context, userID int32, column, value string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	exists, err := db.exists(ctx, "SELECT count() FROM users WHERE id = ?", userID)
	if err != nil || !exists {
		return false, err
	}
	err = db.conn.Exec(syncCtx(ctx),
		fmt.Sprintf("ALTER TABLE users UPDATE %s = ? WHERE id = ?", column), value, userID)
	if err != nil {
		return false, fmt.Errorf("failed to update user %s: %w", column, err)
	}
	return true, nil
}

// AddBook adds a catalog entry, available by default
func (db *ClickHouseDB) AddBook(ctx context.Context, title, author, year, genre, annotation string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.conn.Exec(ctx,
		`INSERT INTO books (id, title, author, year, genre, is_available, annotation) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		db.bookSeq.Add(1), title, author, year, genre, true, annotation)
	if err != nil {
		return false, fmt.Errorf("failed to add book: %w", err)
	}
	return true, nil
}

// UpdateBook replaces a book's descriptive fields; ok iff the book exists
func (db *ClickHouseDB) UpdateBook(ctx context.Context, bookID int32, title, author, year, genre string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	exists, err := db.exists(ctx, "SELECT count() FROM books WHERE id = ?", bookID)
	if err != nil || !exists {
		return false, err
	}
	err = db.conn.Exec(syncCtx(ctx),
		`ALTER TABLE books UPDATE title = ?, author = ?, year = ?, genre = ? WHERE id = ?`,
		title, author, year, genre, bookID)
	if err != nil {
		return false, fmt.Errorf("failed to update book: %w", err)
	}
	return true, nil
}

// ListBooks returns the whole catalog ordered by id
func (db *ClickHouseDB) ListBooks(ctx context.Context) ([]models.Book, error) {
	return db.queryBooks(ctx,
		`SELECT id, title, author, year, genre, is_available, annotation FROM books ORDER BY id`)
}

// SearchBooks does a case-insensitive substring match on the given criterion.
// An unknown criterion yields an empty result, not an error.
func (db *ClickHouseDB) SearchBooks(ctx context.Context, criterion, term string) ([]models.Book, error) {
	var column string
	switch criterion {
	case "title":
		column = "title"
	case "author":
		column = "author"
	case "genre":
		column = "genre"
	default:
		return nil, nil
	}
	return db.queryBooks(ctx,
		fmt.Sprintf(`SELECT id, title, author, year, genre, is_available, annotation FROM books WHERE %s ILIKE ? ORDER BY id`, column),
		"%"+term+"%")
}

func (db *ClickHouseDB) queryBooks(ctx context.Context, query string, args ...any) ([]models.Book, error) {
	rows, err := db.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query books: %w", err)
	}
	defer rows.Close()

	var books []models.Book
	for rows.Next() {
		var b models.Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.Year, &b.Genre, &b.IsAvailable, &b.Annotation); err != nil {
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// GetBookAnnotation returns a book's title and annotation
func (db *ClickHouseDB) GetBookAnnotation(ctx context.Context, bookID int32) (string, string, bool, error) {
	rows, err := db.conn.Query(ctx,
		`SELECT title, annotation FROM books WHERE id = ?`, bookID)
	if err != nil {
		return "", "", false, fmt.Errorf("failed to query annotation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", "", false, rows.Err()
	}
	var title, annotation string
	if err := rows.Scan(&title, &annotation); err != nil {
		return "", "", false, fmt.Errorf("failed to scan annotation: %w", err)
	}
	return title, annotation, true, nil
}

// UpdateBookAnnotation replaces a book's annotation; ok iff the book exists
func (db *ClickHouseDB) UpdateBookAnnotation(ctx context.Context, bookID int32, annotation string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	exists, err := db.exists(ctx, "SELECT count() FROM books WHERE id = ?", bookID)
	if err != nil || !exists {
		return false, err
	}
	err = db.conn.Exec(syncCtx(ctx),
		`ALTER TABLE books UPDATE annotation = ? WHERE id = ?`, annotation, bookID)
	if err != nil {
		return false, fmt.Errorf("failed to update annotation: %w", err)
	}
	return true, nil
}

// ListGenres returns the distinct genres present in the catalog
func (db *ClickHouseDB) ListGenres(ctx context.Context) ([]string, error) {
	rows, err := db.conn.Query(ctx, `SELECT DISTINCT genre FROM books ORDER BY genre`)
	if err != nil {
		return nil, fmt.Errorf("failed to list genres: %w", err)
	}
	defer rows.Close()

	var genres []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("failed to scan genre: %w", err)
		}
		genres = append(genres, g)
	}
	return genres, rows.Err()
}

// AssignBook opens a rental for an available book. The write lock guarantees
// two concurrent assigns for the same book cannot both observe it available.
func (db *ClickHouseDB) AssignBook(ctx context.Context, userID, bookID int32) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	userOK, err := db.exists(ctx, "SELECT count() FROM users WHERE id = ?", userID)
	if err != nil || !userOK {
		return false, err
	}
	bookOK, err := db.exists(ctx, "SELECT count() FROM books WHERE id = ?", bookID)
	if err != nil || !bookOK {
		return false, err
	}
	// The rentals table, not the derived is_available flag, decides whether
	// the book is out. A stale flag left by an interrupted transition then
	// cannot let a second rental through.
	rented, err := db.exists(ctx, "SELECT count() FROM rentals WHERE book_id = ?", bookID)
	if err != nil || rented {
		return false, err
	}

	start := today()
	end := start.AddDate(0, 0, storage.RentalPeriodDays)
	rentalID := db.rentalSeq.Add(1)
	err = db.conn.Exec(ctx,
		`INSERT INTO rentals (id, user_id, book_id, start_date, end_date) VALUES (?, ?, ?, ?, ?)`,
		rentalID, userID, bookID, start, end)
	if err != nil {
		return false, fmt.Errorf("failed to insert rental: %w", err)
	}

	err = db.conn.Exec(syncCtx(ctx),
		`ALTER TABLE books UPDATE is_available = false WHERE id = ?`, bookID)
	if err != nil {
		// Take the rental back out so the book is not both on loan and
		// flagged available.
		if rbErr := db.conn.Exec(syncCtx(ctx),
			`ALTER TABLE rentals DELETE WHERE id = ?`, rentalID); rbErr != nil {
			return false, fmt.Errorf("failed to mark book unavailable: %w (rental %d left behind: %v)", err, rentalID, rbErr)
		}
		return false, fmt.Errorf("failed to mark book unavailable: %w", err)
	}
	return true, nil
}

// UnassignBook closes the matching rental: writes the history row, removes
// the rental and restores availability, all under the write lock.
func (db *ClickHouseDB) UnassignBook(ctx context.Context, userID, bookID int32) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(ctx,
		`SELECT id, start_date, end_date FROM rentals WHERE user_id = ? AND book_id = ?`, userID, bookID)
	if err != nil {
		return false, fmt.Errorf("failed to query rental: %w", err)
	}
	var rental models.Rental
	found := rows.Next()
	if found {
		err = rows.Scan(&rental.ID, &rental.StartDate, &rental.EndDate)
	}
	rows.Close()
	if err != nil {
		return false, fmt.Errorf("failed to scan rental: %w", err)
	}
	if !found {
		return false, nil
	}

	historyID := db.historySeq.Add(1)
	err = db.conn.Exec(ctx,
		`INSERT INTO rental_history (id, user_id, book_id, start_date, end_date, return_date) VALUES (?, ?, ?, ?, ?, ?)`,
		historyID, userID, bookID, rental.StartDate, rental.EndDate, today())
	if err != nil {
		return false, fmt.Errorf("failed to insert history record: %w", err)
	}

	err = db.conn.Exec(syncCtx(ctx),
		`ALTER TABLE rentals DELETE WHERE id = ?`, rental.ID)
	if err != nil {
		// Take the history row back out so a retried return cannot record
		// the same loan twice.
		if rbErr := db.conn.Exec(syncCtx(ctx),
			`ALTER TABLE rental_history DELETE WHERE id = ?`, historyID); rbErr != nil {
			return false, fmt.Errorf("failed to delete rental: %w (history %d left behind: %v)", err, historyID, rbErr)
		}
		return false, fmt.Errorf("failed to delete rental: %w", err)
	}

	err = db.conn.Exec(syncCtx(ctx),
		`ALTER TABLE books UPDATE is_available = true WHERE id = ?`, bookID)
	if err != nil {
		return false, fmt.Errorf("failed to mark book available: %w", err)
	}
	return true, nil
}

// ExtendRental pushes a rental's end date forward by whole calendar days
func (db *ClickHouseDB) ExtendRental(ctx context.Context, userID, bookID int32, days int) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	userOK, err := db.exists(ctx, "SELECT count() FROM users WHERE id = ?", userID)
	if err != nil || !userOK {
		return false, err
	}
	// The book must currently be out on loan
	out, err := db.exists(ctx,
		"SELECT count() FROM books WHERE id = ? AND NOT is_available", bookID)
	if err != nil || !out {
		return false, err
	}
	rentalOK, err := db.exists(ctx,
		"SELECT count() FROM rentals WHERE user_id = ? AND book_id = ?", userID, bookID)
	if err != nil || !rentalOK {
		return false, err
	}

	err = db.conn.Exec(syncCtx(ctx),
		`ALTER TABLE rentals UPDATE end_date = addDays(end_date, ?) WHERE user_id = ? AND book_id = ?`,
		days, userID, bookID)
	if err != nil {
		return false, fmt.Errorf("failed to extend rental: %w", err)
	}
	return true, nil
}

// GetUserRentals returns the user's active loans with book titles
func (db *ClickHouseDB) GetUserRentals(ctx context.Context, userID int32) ([]models.RentalInfo, error) {
	rows, err := db.conn.Query(ctx, `
		SELECT b.id, b.title, r.start_date, r.end_date
		FROM rentals r JOIN books b ON r.book_id = b.id
		WHERE r.user_id = ?
		ORDER BY r.start_date`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user rentals: %w", err)
	}
	defer rows.Close()

	var rentals []models.RentalInfo
	for rows.Next() {
		var r models.RentalInfo
		if err := rows.Scan(&r.BookID, &r.Title, &r.StartDate, &r.EndDate); err != nil {
			return nil, fmt.Errorf("failed to scan rental: %w", err)
		}
		rentals = append(rentals, r)
	}
	return rentals, rows.Err()
}

// GetUserDebts returns one user's active loans tagged with overdue state
func (db *ClickHouseDB) GetUserDebts(ctx context.Context, userID int32) ([]models.DebtRecord, error) {
	return db.queryDebts(ctx, `
		SELECT r.id, u.login, b.title, r.start_date, r.end_date
		FROM rentals r
		JOIN users u ON r.user_id = u.id
		JOIN books b ON r.book_id = b.id
		WHERE r.user_id = ?
		ORDER BY r.end_date`, userID)
}

// GetAllDebts returns every active loan tagged with overdue state
func (db *ClickHouseDB) GetAllDebts(ctx context.Context) ([]models.DebtRecord, error) {
	return db.queryDebts(ctx, `
		SELECT r.id, u.login, b.title, r.start_date, r.end_date
		FROM rentals r
		JOIN users u ON r.user_id = u.id
		JOIN books b ON r.book_id = b.id
		ORDER BY r.end_date`)
}

func (db *ClickHouseDB) queryDebts(ctx context.Context, query string, args ...any) ([]models.DebtRecord, error) {
	rows, err := db.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query debts: %w", err)
	}
	defer rows.Close()

	now := today()
	var debts []models.DebtRecord
	for rows.Next() {
		var d models.DebtRecord
		if err := rows.Scan(&d.RentalID, &d.UserLogin, &d.BookTitle, &d.StartDate, &d.EndDate); err != nil {
			return nil, fmt.Errorf("failed to scan debt: %w", err)
		}
		d.IsOverdue = d.EndDate.Before(now)
		debts = append(debts, d)
	}
	return debts, rows.Err()
}

// GetRentalHistory returns the user's closed loans, most recent first
func (db *ClickHouseDB) GetRentalHistory(ctx context.Context, userID int32) ([]models.HistoryRecord, error) {
	rows, err := db.conn.Query(ctx, `
		SELECT h.id, h.user_id, h.book_id, b.title, h.start_date, h.end_date, h.return_date
		FROM rental_history h JOIN books b ON h.book_id = b.id
		WHERE h.user_id = ?
		ORDER BY h.return_date DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rental history: %w", err)
	}
	defer rows.Close()

	var history []models.HistoryRecord
	for rows.Next() {
		var h models.HistoryRecord
		if err := rows.Scan(&h.ID, &h.UserID, &h.BookID, &h.BookTitle, &h.StartDate, &h.EndDate, &h.ReturnDate); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetLibraryStats computes the library-wide counters
func (db *ClickHouseDB) GetLibraryStats(ctx context.Context) (models.LibraryStats, error) {
	var stats models.LibraryStats
	var total, available, rented uint64
	row := db.conn.QueryRow(ctx,
		`SELECT count(), countIf(is_available), countIf(NOT is_available) FROM books`)
	if err := row.Scan(&total, &available, &rented); err != nil {
		return stats, fmt.Errorf("failed to count books: %w", err)
	}

	var clients uint64
	row = db.conn.QueryRow(ctx,
		`SELECT count() FROM users WHERE role = ?`, models.RoleClient)
	if err := row.Scan(&clients); err != nil {
		return stats, fmt.Errorf("failed to count clients: %w", err)
	}

	var active, overdue uint64
	row = db.conn.QueryRow(ctx,
		`SELECT count(), countIf(end_date < today()) FROM rentals`)
	if err := row.Scan(&active, &overdue); err != nil {
		return stats, fmt.Errorf("failed to count rentals: %w", err)
	}

	stats.TotalBooks = int(total)
	stats.AvailableBooks = int(available)
	stats.RentedBooks = int(rented)
	stats.TotalClients = int(clients)
	stats.ActiveRentals = int(active)
	stats.OverdueRentals = int(overdue)
	return stats, nil
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *ClickHouseDB) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n uint64
	row := db.conn.QueryRow(ctx, query, args...)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("failed to run existence check: %w", err)
	}
	return n > 0, nil
}

// today returns the current date truncated to midnight UTC, matching the
// Date columns in the schema.
func today() time.Time {
	y, m, d := time.Now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
