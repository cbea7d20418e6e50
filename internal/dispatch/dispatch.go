// Package dispatch maps parsed wire commands onto store and report-engine
// calls. Dispatch itself is stateless per request: authorization comes from
// the caller's session, and the only side effect is the single store call a
// handler makes.
package dispatch

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"onlib/internal/models"
	"onlib/internal/protocol"
	"onlib/internal/report"
	"onlib/internal/storage"
)

// Session is the per-connection identity. It is owned by the connection's
// goroutine; a successful auth command updates it in place.
type Session struct {
	ID     string
	Role   string
	UserID int32 // 0 while unauthenticated
}

// NewSession returns a fresh guest session with a correlation id for logs.
func NewSession() *Session {
	return &Session{ID: uuid.NewString(), Role: "guest"}
}

// Dispatcher routes commands to the store and the report engine
type Dispatcher struct {
	store   storage.Storage
	reports report.Runner
	logger  *zap.Logger
}

// New creates a dispatcher over the given store and report runner
func New(store storage.Storage, reports report.Runner, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, reports: reports, logger: logger}
}

type handlerFunc func(d *Dispatcher, ctx context.Context, sess *Session, args []string) string

// command describes one wire command: its argument count, who may call it,
// and which argument (if any) names a user the caller must own.
type command struct {
	arity     int  // exact argument count
	public    bool // callable without authentication (auth, reg)
	librarian bool
	ownerArg  int // 1-based index of a user-id argument subject to the own-data rule
	handle    handlerFunc
}

var commands = map[string]command{
	// Public
	"auth": {arity: 2, public: true, handle: (*Dispatcher).handleAuth},
	"reg":  {arity: 4, public: true, handle: (*Dispatcher).handleReg},

	// Any authenticated user
	"get_all_books":       {arity: 0, handle: (*Dispatcher).handleGetAllBooks},
	"search_books":        {arity: 2, handle: (*Dispatcher).handleSearchBooks},
	"get_book_annotation": {arity: 1, handle: (*Dispatcher).handleGetBookAnnotation},
	"get_genres_list":     {arity: 0, handle: (*Dispatcher).handleGetGenresList},

	// Own data, or any user when the caller is a librarian
	"extend_rental":      {arity: 3, ownerArg: 1, handle: (*Dispatcher).handleExtendRental},
	"view_book_stats":    {arity: 1, ownerArg: 1, handle: (*Dispatcher).handleViewBookStats},
	"view_user_info":     {arity: 1, ownerArg: 1, handle: (*Dispatcher).handleViewUserInfo},
	"get_rental_history": {arity: 1, ownerArg: 1, handle: (*Dispatcher).handleGetRentalHistory},

	// Librarian only
	"assign_book":            {arity: 2, librarian: true, handle: (*Dispatcher).handleAssignBook},
	"unassign_book":          {arity: 2, librarian: true, handle: (*Dispatcher).handleUnassignBook},
	"view_user_debts":        {arity: 1, librarian: true, handle: (*Dispatcher).handleViewUserDebts},
	"get_all_debts":          {arity: 0, librarian: true, handle: (*Dispatcher).handleGetAllDebts},
	"get_user_info":          {arity: 1, librarian: true, handle: (*Dispatcher).handleGetUserInfo},
	"add_book_to_lib":        {arity: 4, librarian: true, handle: (*Dispatcher).handleAddBook},
	"update_book_info":       {arity: 5, librarian: true, handle: (*Dispatcher).handleUpdateBook},
	"update_book_annotation": {arity: 2, librarian: true, handle: (*Dispatcher).handleUpdateBookAnnotation},
	"get_all_users":          {arity: 0, librarian: true, handle: (*Dispatcher).handleGetAllUsers},
	"block_user":             {arity: 1, librarian: true, handle: (*Dispatcher).handleBlockUser},
	"unblock_user":           {arity: 1, librarian: true, handle: (*Dispatcher).handleUnblockUser},
	"reset_user_password":    {arity: 2, librarian: true, handle: (*Dispatcher).handleResetPassword},
	"update_user_email":      {arity: 2, librarian: true, handle: (*Dispatcher).handleUpdateEmail},
	"get_library_stats":      {arity: 0, librarian: true, handle: (*Dispatcher).handleGetLibraryStats},
	"get_statistics_report":  {arity: 4, librarian: true, handle: (*Dispatcher).handleStatisticsReport},
	"import_books_csv":       {arity: 1, librarian: true, handle: (*Dispatcher).handleImportBooksCSV},
	"export_books_csv":       {arity: 0, librarian: true, handle: (*Dispatcher).handleExportBooksCSV},
}

// Handle authorizes and executes one request, returning the response line.
// Check order is load-bearing: authentication before arity and role, role
// before the own-data rule.
func (d *Dispatcher) Handle(ctx context.Context, req protocol.Request, sess *Session) string {
	cmd, ok := commands[req.Command]
	if !ok {
		return protocol.Error("Unknown command")
	}

	if !cmd.public && sess.UserID == 0 {
		return protocol.Error("Authentication required")
	}

	if len(req.Args) != cmd.arity {
		return protocol.Error("Invalid parameters")
	}

	if cmd.librarian && sess.Role != models.RoleLibrarian {
		return protocol.Error("Permission denied")
	}

	if cmd.ownerArg > 0 {
		requested, err := parseID(req.Args[cmd.ownerArg-1])
		if err != nil {
			return protocol.Error("Invalid parameters")
		}
		if sess.Role != models.RoleLibrarian && requested != sess.UserID {
			return protocol.Error("Access denied")
		}
	}

	return cmd.handle(d, ctx, sess, req.Args)
}

// serverError logs an infrastructure failure and hides the detail from the
// wire per the error policy.
func (d *Dispatcher) serverError(sess *Session, cmd string, err error) string {
	d.logger.Error("Command failed with server error",
		zap.String("session_id", sess.ID),
		zap.String("command", cmd),
		zap.Error(err),
	)
	return protocol.Error("Server error")
}

func parseID(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	return int32(n), err
}

func itoa(n int32) string {
	return strconv.FormatInt(int64(n), 10)
}
