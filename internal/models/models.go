package models

import "time"

// User roles and statuses as stored in the users table.
const (
	RoleClient    = "client"
	RoleLibrarian = "librarian"

	StatusActive  = "active"
	StatusBlocked = "blocked"
)

// User represents a registered account
type User struct {
	ID       int32
	Login    string
	Password string
	Email    string
	Role     string
	Status   string
}

// Book represents a catalog entry
type Book struct {
	ID          int32
	Title       string
	Author      string
	Year        string
	Genre       string
	IsAvailable bool
	Annotation  string
}

// Rental represents an active loan; at most one per book at any time
type Rental struct {
	ID        int32
	UserID    int32
	BookID    int32
	StartDate time.Time
	EndDate   time.Time
}

// HistoryRecord represents a completed (returned) loan
type HistoryRecord struct {
	ID         int32
	UserID     int32
	BookID     int32
	BookTitle  string
	StartDate  time.Time
	EndDate    time.Time
	ReturnDate time.Time
}

// RentalInfo is the per-user loan projection behind view_book_stats
type RentalInfo struct {
	BookID    int32
	Title     string
	StartDate time.Time
	EndDate   time.Time
}

// DebtRecord is a rental joined with its book and user, tagged with overdue state
type DebtRecord struct {
	RentalID  int32
	UserLogin string
	BookTitle string
	StartDate time.Time
	EndDate   time.Time
	IsOverdue bool
}

// UserSummary is the id+login pair returned by get_all_users
type UserSummary struct {
	ID    int32
	Login string
}

// LibraryStats holds the counters behind get_library_stats
type LibraryStats struct {
	TotalBooks     int
	AvailableBooks int
	RentedBooks    int
	TotalClients   int
	ActiveRentals  int
	OverdueRentals int
}

// Report output shapes
const (
	ReportTable = "table"
	ReportChart = "chart"
)

// Report is a computed projection: Headers/Rows for tables, Labels/Values for charts
type Report struct {
	Shape   string
	Headers []string
	Rows    [][]string
	Labels  []string
	Values  []float64
}
