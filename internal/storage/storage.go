package storage

import (
	"context"

	"onlib/internal/models"
)

// RentalPeriodDays is the default loan length applied on assignment.
const RentalPeriodDays = 14

// Storage defines the interface for data storage operations.
//
// Mutators return a boolean outcome: false means the operation's precondition
// did not hold (unknown user, book unavailable, no matching rental, ...).
// A non-nil error is reserved for infrastructure failures; no partial success
// is ever observable either way.
type Storage interface {
	// Users and authentication
	Authenticate(ctx context.Context, login, password string) (models.User, bool, error)
	RegisterUser(ctx context.Context, login, password, email, role string) (bool, error)
	GetUserByID(ctx context.Context, userID int32) (models.User, bool, error)
	GetUserByLogin(ctx context.Context, login string) (models.User, bool, error)
	ListClientUsers(ctx context.Context) ([]models.UserSummary, error)
	SetUserStatus(ctx context.Context, userID int32, status string) (bool, error)
	ResetPassword(ctx context.Context, userID int32, newPassword string) (bool, error)

	// UpdateEmail checks the new address for uniqueness against all other users
	UpdateEmail(ctx context.Context, userID int32, newEmail string) (bool, error)

	// Catalog
	AddBook(ctx context.Context, title, author, year, genre, annotation string) (bool, error)
	UpdateBook(ctx context.Context, bookID int32, title, author, year, genre string) (bool, error)
	ListBooks(ctx context.Context) ([]models.Book, error)
	SearchBooks(ctx context.Context, criterion, term string) ([]models.Book, error)
	GetBookAnnotation(ctx context.Context, bookID int32) (title, annotation string, ok bool, err error)
	UpdateBookAnnotation(ctx context.Context, bookID int32, annotation string) (bool, error)
	ListGenres(ctx context.Context) ([]string, error)

	// Lending. AssignBook and UnassignBook keep is_available consistent with
	// the active rentals: a book is unavailable exactly while a rental
	// references it. Concurrent assigns on one book cannot both succeed.
	AssignBook(ctx context.Context, userID, bookID int32) (bool, error)
	UnassignBook(ctx context.Context, userID, bookID int32) (bool, error)
	ExtendRental(ctx context.Context, userID, bookID int32, days int) (bool, error)

	// Projections
	GetUserRentals(ctx context.Context, userID int32) ([]models.RentalInfo, error)
	GetUserDebts(ctx context.Context, userID int32) ([]models.DebtRecord, error)
	GetAllDebts(ctx context.Context) ([]models.DebtRecord, error)
	GetRentalHistory(ctx context.Context, userID int32) ([]models.HistoryRecord, error)
	GetLibraryStats(ctx context.Context) (models.LibraryStats, error)

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
}
