package dispatch

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"onlib/internal/models"
	"onlib/internal/protocol"
)

func (d *Dispatcher) handleAuth(ctx context.Context, sess *Session, args []string) string {
	login, password := args[0], args[1]

	user, ok, err := d.store.Authenticate(ctx, login, password)
	if err != nil {
		return d.serverError(sess, "auth", err)
	}
	if !ok {
		return protocol.Fail("auth")
	}

	sess.Role = user.Role
	sess.UserID = user.ID
	d.logger.Info("Client authenticated",
		zap.String("session_id", sess.ID),
		zap.String("login", user.Login),
		zap.String("role", user.Role),
	)
	return protocol.OK("auth", protocol.Escape(user.Login), protocol.Escape(user.Role), itoa(user.ID))
}

func (d *Dispatcher) handleReg(ctx context.Context, sess *Session, args []string) string {
	login, password, email, role := args[0], args[1], args[2], args[3]
	if role != models.RoleClient && role != models.RoleLibrarian {
		return protocol.Error("Invalid parameters")
	}

	ok, err := d.store.RegisterUser(ctx, login, password, email, role)
	if err != nil {
		return d.serverError(sess, "reg", err)
	}
	if !ok {
		return protocol.Fail("reg")
	}
	return protocol.OK("reg", protocol.Escape(login))
}

func (d *Dispatcher) handleGetAllBooks(ctx context.Context, sess *Session, args []string) string {
	books, err := d.store.ListBooks(ctx)
	if err != nil {
		return d.serverError(sess, "get_all_books", err)
	}
	return protocol.OK("books_list", protocol.List(bookEntries(books)))
}

func (d *Dispatcher) handleSearchBooks(ctx context.Context, sess *Session, args []string) string {
	criterion, term := args[0], args[1]
	if criterion != "title" && criterion != "author" && criterion != "genre" {
		return protocol.Error("Invalid search criteria")
	}
	if term == "" {
		return protocol.Error("Search term cannot be empty")
	}

	books, err := d.store.SearchBooks(ctx, criterion, term)
	if err != nil {
		return d.serverError(sess, "search_books", err)
	}
	// Same response command as get_all_books so clients can share a handler
	return protocol.OK("books_list", protocol.List(bookEntries(books)))
}

func (d *Dispatcher) handleGetBookAnnotation(ctx context.Context, sess *Session, args []string) string {
	bookID, err := parseID(args[0])
	if err != nil || bookID <= 0 {
		return protocol.Error("Invalid book ID format")
	}

	title, annotation, ok, err := d.store.GetBookAnnotation(ctx, bookID)
	if err != nil {
		return d.serverError(sess, "get_book_annotation", err)
	}
	if !ok {
		return protocol.FailDetail("annotation", "Book not found")
	}
	return protocol.OK("annotation", itoa(bookID), protocol.Escape(title), protocol.Escape(annotation))
}

func (d *Dispatcher) handleGetGenresList(ctx context.Context, sess *Session, args []string) string {
	genres, err := d.store.ListGenres(ctx)
	if err != nil {
		return d.serverError(sess, "get_genres_list", err)
	}
	return protocol.OK("genres_list", protocol.Item(genres...))
}

func (d *Dispatcher) handleExtendRental(ctx context.Context, sess *Session, args []string) string {
	userID, err1 := parseID(args[0])
	bookID, err2 := parseID(args[1])
	days, err3 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return protocol.Error("Invalid parameters")
	}

	ok, err := d.store.ExtendRental(ctx, userID, bookID, days)
	if err != nil {
		return d.serverError(sess, "extend_rental", err)
	}
	if !ok {
		return protocol.Fail("extend_rental")
	}
	return protocol.OK("extend_rental", itoa(userID), itoa(bookID))
}

func (d *Dispatcher) handleViewBookStats(ctx context.Context, sess *Session, args []string) string {
	userID, err := parseID(args[0])
	if err != nil {
		return protocol.Error("Invalid parameters")
	}

	rentals, err := d.store.GetUserRentals(ctx, userID)
	if err != nil {
		return d.serverError(sess, "view_book_stats", err)
	}
	if len(rentals) == 0 {
		return protocol.Fail("book_stats")
	}

	entries := make([]string, 0, len(rentals))
	for _, r := range rentals {
		entries = append(entries, protocol.Item(
			itoa(r.BookID),
			r.Title,
			formatDate(r.StartDate),
			formatDate(r.EndDate),
		))
	}
	return protocol.OK("book_stats", protocol.List(entries))
}

func (d *Dispatcher) handleViewUserInfo(ctx context.Context, sess *Session, args []string) string {
	userID, err := parseID(args[0])
	if err != nil {
		return protocol.Error("Invalid parameters")
	}

	user, ok, err := d.store.GetUserByID(ctx, userID)
	if err != nil {
		return d.serverError(sess, "view_user_info", err)
	}
	if !ok {
		return protocol.Fail("user_info")
	}
	return protocol.OK("user_info", protocol.Item(user.Login, user.Email, user.Password))
}

func (d *Dispatcher) handleGetRentalHistory(ctx context.Context, sess *Session, args []string) string {
	userID, err := parseID(args[0])
	if err != nil {
		return protocol.Error("Invalid parameters")
	}

	history, err := d.store.GetRentalHistory(ctx, userID)
	if err != nil {
		return d.serverError(sess, "get_rental_history", err)
	}

	entries := make([]string, 0, len(history))
	for _, h := range history {
		entries = append(entries, protocol.Item(
			itoa(h.ID),
			h.BookTitle,
			formatDate(h.StartDate),
			formatDate(h.EndDate),
			formatDate(h.ReturnDate),
		))
	}
	return protocol.OK("rental_history", protocol.List(entries))
}

func bookEntries(books []models.Book) []string {
	entries := make([]string, 0, len(books))
	for _, b := range books {
		avail := "0"
		if b.IsAvailable {
			avail = "1"
		}
		entries = append(entries, protocol.Item(
			itoa(b.ID), b.Title, b.Author, b.Year, b.Genre, avail, b.Annotation,
		))
	}
	return entries
}

func formatDate(t time.Time) string {
	return t.Format(protocol.DateLayout)
}
