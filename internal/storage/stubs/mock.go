package stubs

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"onlib/internal/models"
	"onlib/internal/report"
	"onlib/internal/storage"
)

// MockDB is an in-memory implementation of the Storage interface for testing
// and for running the server without a ClickHouse instance (USE_MOCK_DB).
// It also implements report.Runner over the same in-memory state.
type MockDB struct {
	mu      sync.RWMutex
	users   map[int32]models.User
	books   map[int32]models.Book
	rentals map[int32]models.Rental
	history []models.HistoryRecord

	nextUser    int32
	nextBook    int32
	nextRental  int32
	nextHistory int32
}

// NewMockDB creates a new mock database
func NewMockDB() *MockDB {
	return &MockDB{
		users:   make(map[int32]models.User),
		books:   make(map[int32]models.Book),
		rentals: make(map[int32]models.Rental),
	}
}

// Initialize seeds a default librarian account so a fresh mock is usable
func (m *MockDB) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextUser++
	m.users[m.nextUser] = models.User{
		ID:       m.nextUser,
		Login:    "admin",
		Password: "admin",
		Email:    "admin@onlib.local",
		Role:     models.RoleLibrarian,
		Status:   models.StatusActive,
	}
	return nil
}

// Authenticate checks credentials and account status
func (m *MockDB) Authenticate(ctx context.Context, login, password string) (models.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Login == login {
			if u.Password != password || u.Status != models.StatusActive {
				return models.User{}, false, nil
			}
			return u, true, nil
		}
	}
	return models.User{}, false, nil
}

// RegisterUser creates an account unless the login is taken
func (m *MockDB) RegisterUser(ctx context.Context, login, password, email, role string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Login == login {
			return false, nil
		}
	}
	m.nextUser++
	m.users[m.nextUser] = models.User{
		ID:       m.nextUser,
		Login:    login,
		Password: password,
		Email:    email,
		Role:     role,
		Status:   models.StatusActive,
	}
	return true, nil
}

// GetUserByID returns the user with the given id
func (m *MockDB) GetUserByID(ctx context.Context, userID int32) (models.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	return u, ok, nil
}

// GetUserByLogin returns the user with the given login
func (m *MockDB) GetUserByLogin(ctx context.Context, login string) (models.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Login == login {
			return u, true, nil
		}
	}
	return models.User{}, false, nil
}

// ListClientUsers returns id and login of client accounts, ordered by login
func (m *MockDB) ListClientUsers(ctx context.Context) ([]models.UserSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var users []models.UserSummary
	for _, u := range m.users {
		if u.Role == models.RoleClient {
			users = append(users, models.UserSummary{ID: u.ID, Login: u.Login})
		}
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Login < users[j].Login
	})
	return users, nil
}

// SetUserStatus updates a user's status
func (m *MockDB) SetUserStatus(ctx context.Context, userID int32, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	u.Status = status
	m.users[userID] = u
	return true, nil
}

// ResetPassword overwrites a user's password
func (m *MockDB) ResetPassword(ctx context.Context, userID int32, newPassword string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	u.Password = newPassword
	m.users[userID] = u
	return true, nil
}

// UpdateEmail changes a user's email unless another account already uses it
func (m *MockDB) UpdateEmail(ctx context.Context, userID int32, newEmail string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	for id, other := range m.users {
		if id != userID && other.Email == newEmail {
			return false, nil
		}
	}
	u.Email = newEmail
	m.users[userID] = u
	return true, nil
}

// AddBook adds a catalog entry, available by default
func (m *MockDB) AddBook(ctx context.Context, title, author, year, genre, annotation string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextBook++
	m.books[m.nextBook] = models.Book{
		ID:          m.nextBook,
		Title:       title,
		Author:      author,
		Year:        year,
		Genre:       genre,
		IsAvailable: true,
		Annotation:  annotation,
	}
	return true, nil
}

// UpdateBook replaces a book's descriptive fields
func (m *MockDB) UpdateBook(ctx context.Context, bookID int32, title, author, year, genre string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[bookID]
	if !ok {
		return false, nil
	}
	b.Title, b.Author, b.Year, b.Genre = title, author, year, genre
	m.books[bookID] = b
	return true, nil
}

// ListBooks returns the whole catalog ordered by id
func (m *MockDB) ListBooks(ctx context.Context) ([]models.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.booksSortedLocked(func(models.Book) bool { return true }), nil
}

// SearchBooks does a case-insensitive substring match on the given criterion
func (m *MockDB) SearchBooks(ctx context.Context, criterion, term string) ([]models.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	term = strings.ToLower(term)
	var field func(models.Book) string
	switch criterion {
	case "title":
		field = func(b models.Book) string { return b.Title }
	case "author":
		field = func(b models.Book) string { return b.Author }
	case "genre":
		field = func(b models.Book) string { return b.Genre }
	default:
		return nil, nil
	}
	return m.booksSortedLocked(func(b models.Book) bool {
		return strings.Contains(strings.ToLower(field(b)), term)
	}), nil
}

func (m *MockDB) booksSortedLocked(match func(models.Book) bool) []models.Book {
	var books []models.Book
	for _, b := range m.books {
		if match(b) {
			books = append(books, b)
		}
	}
	sort.Slice(books, func(i, j int) bool {
		return books[i].ID < books[j].ID
	})
	return books
}

// GetBookAnnotation returns a book's title and annotation
func (m *MockDB) GetBookAnnotation(ctx context.Context, bookID int32) (string, string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[bookID]
	if !ok {
		return "", "", false, nil
	}
	return b.Title, b.Annotation, true, nil
}

// UpdateBookAnnotation replaces a book's annotation
func (m *MockDB) UpdateBookAnnotation(ctx context.Context, bookID int32, annotation string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[bookID]
	if !ok {
		return false, nil
	}
	b.Annotation = annotation
	m.books[bookID] = b
	return true, nil
}

// ListGenres returns the distinct genres present in the catalog
func (m *MockDB) ListGenres(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var genres []string
	for _, b := range m.books {
		if !seen[b.Genre] {
			seen[b.Genre] = true
			genres = append(genres, b.Genre)
		}
	}
	sort.Strings(genres)
	return genres, nil
}

// AssignBook opens a rental when the user exists and the book is available
func (m *MockDB) AssignBook(ctx context.Context, userID, bookID int32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return false, nil
	}
	b, ok := m.books[bookID]
	if !ok || !b.IsAvailable {
		return false, nil
	}
	// The active rentals decide, not the derived availability flag.
	for _, r := range m.rentals {
		if r.BookID == bookID {
			return false, nil
		}
	}

	start := today()
	m.nextRental++
	m.rentals[m.nextRental] = models.Rental{
		ID:        m.nextRental,
		UserID:    userID,
		BookID:    bookID,
		StartDate: start,
		EndDate:   start.AddDate(0, 0, storage.RentalPeriodDays),
	}
	b.IsAvailable = false
	m.books[bookID] = b
	return true, nil
}

// UnassignBook closes the matching rental and appends its history record
func (m *MockDB) UnassignBook(ctx context.Context, userID, bookID int32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.rentals {
		if r.UserID == userID && r.BookID == bookID {
			m.nextHistory++
			m.history = append(m.history, models.HistoryRecord{
				ID:         m.nextHistory,
				UserID:     r.UserID,
				BookID:     r.BookID,
				BookTitle:  m.books[r.BookID].Title,
				StartDate:  r.StartDate,
				EndDate:    r.EndDate,
				ReturnDate: today(),
			})
			delete(m.rentals, id)
			b := m.books[bookID]
			b.IsAvailable = true
			m.books[bookID] = b
			return true, nil
		}
	}
	return false, nil
}

// ExtendRental pushes a rental's end date forward by whole calendar days
func (m *MockDB) ExtendRental(ctx context.Context, userID, bookID int32, days int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return false, nil
	}
	if b, ok := m.books[bookID]; !ok || b.IsAvailable {
		return false, nil
	}
	for id, r := range m.rentals {
		if r.UserID == userID && r.BookID == bookID {
			r.EndDate = r.EndDate.AddDate(0, 0, days)
			m.rentals[id] = r
			return true, nil
		}
	}
	return false, nil
}

// GetUserRentals returns the user's active loans with book titles
func (m *MockDB) GetUserRentals(ctx context.Context, userID int32) ([]models.RentalInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rentals []models.RentalInfo
	for _, r := range m.rentals {
		if r.UserID == userID {
			rentals = append(rentals, models.RentalInfo{
				BookID:    r.BookID,
				Title:     m.books[r.BookID].Title,
				StartDate: r.StartDate,
				EndDate:   r.EndDate,
			})
		}
	}
	sort.Slice(rentals, func(i, j int) bool {
		return rentals[i].BookID < rentals[j].BookID
	})
	return rentals, nil
}

// GetUserDebts returns one user's active loans tagged with overdue state
func (m *MockDB) GetUserDebts(ctx context.Context, userID int32) ([]models.DebtRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.debtsLocked(func(r models.Rental) bool { return r.UserID == userID }), nil
}

// GetAllDebts returns every active loan tagged with overdue state
func (m *MockDB) GetAllDebts(ctx context.Context) ([]models.DebtRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.debtsLocked(func(models.Rental) bool { return true }), nil
}

func (m *MockDB) debtsLocked(match func(models.Rental) bool) []models.DebtRecord {
	now := today()
	var debts []models.DebtRecord
	for _, r := range m.rentals {
		if !match(r) {
			continue
		}
		debts = append(debts, models.DebtRecord{
			RentalID:  r.ID,
			UserLogin: m.users[r.UserID].Login,
			BookTitle: m.books[r.BookID].Title,
			StartDate: r.StartDate,
			EndDate:   r.EndDate,
			IsOverdue: r.EndDate.Before(now),
		})
	}
	sort.Slice(debts, func(i, j int) bool {
		return debts[i].RentalID < debts[j].RentalID
	})
	return debts
}

// GetRentalHistory returns the user's closed loans, most recent first
func (m *MockDB) GetRentalHistory(ctx context.Context, userID int32) ([]models.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var history []models.HistoryRecord
	for _, h := range m.history {
		if h.UserID == userID {
			history = append(history, h)
		}
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].ID > history[j].ID
	})
	return history, nil
}

// GetLibraryStats computes the library-wide counters
func (m *MockDB) GetLibraryStats(ctx context.Context) (models.LibraryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats models.LibraryStats
	stats.TotalBooks = len(m.books)
	for _, b := range m.books {
		if b.IsAvailable {
			stats.AvailableBooks++
		} else {
			stats.RentedBooks++
		}
	}
	for _, u := range m.users {
		if u.Role == models.RoleClient {
			stats.TotalClients++
		}
	}
	now := today()
	stats.ActiveRentals = len(m.rentals)
	for _, r := range m.rentals {
		if r.EndDate.Before(now) {
			stats.OverdueRentals++
		}
	}
	return stats, nil
}

// Close does nothing for mock DB
func (m *MockDB) Close() error {
	return nil
}

// Run implements report.Runner over the in-memory state, mirroring the SQL
// definitions in the report package.
func (m *MockDB) Run(ctx context.Context, req report.Request) (models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch req.Type {
	case report.TypeActivity:
		return m.activityLocked(req)
	case report.TypeTopBooks:
		return m.topBooksLocked(req)
	case report.TypeGenrePopularity:
		return m.genrePopularityLocked(req)
	case report.TypeTopReaders:
		return m.topReadersLocked(req)
	case report.TypeOverdue:
		return m.overdueLocked(req)
	case report.TypeCatalogByGenre:
		if req.Filter != "" {
			return models.Report{}, report.ErrFilterNotAllowed
		}
		counts := make(map[string]float64)
		for _, b := range m.books {
			counts[b.Genre]++
		}
		return chartFromCounts(counts), nil
	default:
		return models.Report{}, report.ErrUnknownType
	}
}

// loanStart is one loan opening, drawn from active rentals and history alike.
type loanStart struct {
	userID int32
	bookID int32
	date   time.Time
}

func (m *MockDB) loanStartsLocked() []loanStart {
	var starts []loanStart
	for _, r := range m.rentals {
		starts = append(starts, loanStart{r.UserID, r.BookID, r.StartDate})
	}
	for _, h := range m.history {
		starts = append(starts, loanStart{h.UserID, h.BookID, h.StartDate})
	}
	return starts
}

func (m *MockDB) genreMatches(bookID int32, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.EqualFold(m.books[bookID].Genre, filter)
}

func inRange(d, start, end time.Time) bool {
	return !d.Before(start) && !d.After(end)
}

func (m *MockDB) activityLocked(req report.Request) (models.Report, error) {
	// Both labels are always present, even at zero.
	counts := map[string]float64{"loans": 0, "returns": 0}
	for _, s := range m.loanStartsLocked() {
		if inRange(s.date, req.Start, req.End) && m.genreMatches(s.bookID, req.Filter) {
			counts["loans"]++
		}
	}
	for _, h := range m.history {
		if inRange(h.ReturnDate, req.Start, req.End) && m.genreMatches(h.BookID, req.Filter) {
			counts["returns"]++
		}
	}
	return chartFromCounts(counts), nil
}

func (m *MockDB) topBooksLocked(req report.Request) (models.Report, error) {
	counts := make(map[int32]int)
	for _, s := range m.loanStartsLocked() {
		if inRange(s.date, req.Start, req.End) && m.genreMatches(s.bookID, req.Filter) {
			counts[s.bookID]++
		}
	}
	rep := models.Report{Shape: models.ReportTable, Headers: []string{"Title", "Author", "Loans"}}
	for id, n := range counts {
		b := m.books[id]
		rep.Rows = append(rep.Rows, []string{b.Title, b.Author, strconv.Itoa(n)})
	}
	sortCountRows(rep.Rows, 2, 0)
	if len(rep.Rows) > 10 {
		rep.Rows = rep.Rows[:10]
	}
	return rep, nil
}

func (m *MockDB) genrePopularityLocked(req report.Request) (models.Report, error) {
	if req.Filter != "" {
		return models.Report{}, report.ErrFilterNotAllowed
	}
	counts := make(map[string]float64)
	for _, s := range m.loanStartsLocked() {
		if inRange(s.date, req.Start, req.End) {
			counts[m.books[s.bookID].Genre]++
		}
	}
	return chartFromCounts(counts), nil
}

func (m *MockDB) topReadersLocked(req report.Request) (models.Report, error) {
	counts := make(map[int32]int)
	for _, s := range m.loanStartsLocked() {
		if inRange(s.date, req.Start, req.End) && m.genreMatches(s.bookID, req.Filter) {
			counts[s.userID]++
		}
	}
	rep := models.Report{Shape: models.ReportTable, Headers: []string{"Login", "Loans"}}
	for id, n := range counts {
		rep.Rows = append(rep.Rows, []string{m.users[id].Login, strconv.Itoa(n)})
	}
	sortCountRows(rep.Rows, 1, 0)
	if len(rep.Rows) > 10 {
		rep.Rows = rep.Rows[:10]
	}
	return rep, nil
}

func (m *MockDB) overdueLocked(req report.Request) (models.Report, error) {
	now := today()
	rep := models.Report{
		Shape:   models.ReportTable,
		Headers: []string{"Login", "Title", "Start", "End", "Days overdue"},
	}
	var late []models.Rental
	for _, r := range m.rentals {
		if r.EndDate.Before(now) && m.genreMatches(r.BookID, req.Filter) {
			late = append(late, r)
		}
	}
	sort.Slice(late, func(i, j int) bool {
		return late[i].EndDate.Before(late[j].EndDate)
	})
	for _, r := range late {
		days := int(now.Sub(r.EndDate).Hours() / 24)
		rep.Rows = append(rep.Rows, []string{
			m.users[r.UserID].Login,
			m.books[r.BookID].Title,
			r.StartDate.Format("2006-01-02"),
			r.EndDate.Format("2006-01-02"),
			strconv.Itoa(days),
		})
	}
	return rep, nil
}

func chartFromCounts(counts map[string]float64) models.Report {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	rep := models.Report{Shape: models.ReportChart}
	for _, label := range labels {
		rep.Labels = append(rep.Labels, label)
		rep.Values = append(rep.Values, counts[label])
	}
	return rep
}

// sortCountRows orders table rows by a numeric count column descending, then
// by a name column ascending.
func sortCountRows(rows [][]string, countCol, nameCol int) {
	sort.Slice(rows, func(i, j int) bool {
		a, _ := strconv.Atoi(rows[i][countCol])
		b, _ := strconv.Atoi(rows[j][countCol])
		if a != b {
			return a > b
		}
		return rows[i][nameCol] < rows[j][nameCol]
	})
}

func today() time.Time {
	y, mo, d := time.Now().UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

var (
	_ storage.Storage = (*MockDB)(nil)
	_ report.Runner   = (*MockDB)(nil)
)
