package dispatch

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"onlib/internal/models"
	"onlib/internal/protocol"
	"onlib/internal/report"
)

func (d *Dispatcher) handleAssignBook(ctx context.Context, sess *Session, args []string) string {
	userID, err1 := parseID(args[0])
	bookID, err2 := parseID(args[1])
	if err1 != nil || err2 != nil {
		return protocol.Error("Invalid parameters")
	}

	ok, err := d.store.AssignBook(ctx, userID, bookID)
	if err != nil {
		return d.serverError(sess, "assign_book", err)
	}
	if !ok {
		return protocol.Fail("assign_book")
	}
	return protocol.OK("assign_book", itoa(userID), itoa(bookID))
}

func (d *Dispatcher) handleUnassignBook(ctx context.Context, sess *Session, args []string) string {
	userID, err1 := parseID(args[0])
	bookID, err2 := parseID(args[1])
	if err1 != nil || err2 != nil {
		return protocol.Error("Invalid parameters")
	}

	ok, err := d.store.UnassignBook(ctx, userID, bookID)
	if err != nil {
		return d.serverError(sess, "unassign_book", err)
	}
	if !ok {
		return protocol.Fail("unassign_book")
	}
	return protocol.OK("unassign_book", itoa(userID), itoa(bookID))
}

func (d *Dispatcher) handleViewUserDebts(ctx context.Context, sess *Session, args []string) string {
	userID, err := parseID(args[0])
	if err != nil {
		return protocol.Error("Invalid parameters")
	}

	debts, err := d.store.GetUserDebts(ctx, userID)
	if err != nil {
		return d.serverError(sess, "view_user_debts", err)
	}
	if len(debts) == 0 {
		return protocol.OK("user_debts", protocol.Escape("No active rentals"))
	}

	entries := make([]string, 0, len(debts))
	for _, debt := range debts {
		entries = append(entries, protocol.Item(
			itoa(debt.RentalID),
			debt.BookTitle,
			debt.UserLogin,
			formatDate(debt.StartDate),
			formatDate(debt.EndDate),
			boolFlag(debt.IsOverdue),
		))
	}
	return protocol.OK("user_debts", protocol.List(entries))
}

func (d *Dispatcher) handleGetAllDebts(ctx context.Context, sess *Session, args []string) string {
	debts, err := d.store.GetAllDebts(ctx)
	if err != nil {
		return d.serverError(sess, "get_all_debts", err)
	}

	// Puts login before title, the reverse of user_debts. Deliberate: each
	// client view binds to its own response's column order.
	entries := make([]string, 0, len(debts))
	for _, debt := range debts {
		entries = append(entries, protocol.Item(
			itoa(debt.RentalID),
			debt.UserLogin,
			debt.BookTitle,
			formatDate(debt.StartDate),
			formatDate(debt.EndDate),
			boolFlag(debt.IsOverdue),
		))
	}
	return protocol.OK("all_debts", protocol.List(entries))
}

func (d *Dispatcher) handleGetUserInfo(ctx context.Context, sess *Session, args []string) string {
	user, ok, err := d.store.GetUserByLogin(ctx, args[0])
	if err != nil {
		return d.serverError(sess, "get_user_info", err)
	}
	if !ok {
		return protocol.Fail("public_user_info")
	}
	return protocol.OK("public_user_info", protocol.Item(itoa(user.ID), user.Login, user.Email))
}

func (d *Dispatcher) handleAddBook(ctx context.Context, sess *Session, args []string) string {
	title, author, year, genre := args[0], args[1], args[2], args[3]

	ok, err := d.store.AddBook(ctx, title, author, year, genre, "")
	if err != nil {
		return d.serverError(sess, "add_book_to_lib", err)
	}
	if !ok {
		return protocol.Fail("add_book_lib")
	}
	return protocol.OK("add_book_lib", protocol.Escape(title))
}

func (d *Dispatcher) handleUpdateBook(ctx context.Context, sess *Session, args []string) string {
	bookID, err := parseID(args[0])
	if err != nil {
		return protocol.Error("Invalid parameters")
	}
	title, author, year, genre := args[1], args[2], args[3], args[4]

	ok, err := d.store.UpdateBook(ctx, bookID, title, author, year, genre)
	if err != nil {
		return d.serverError(sess, "update_book_info", err)
	}
	if !ok {
		return protocol.Fail("update_book")
	}
	return protocol.OK("update_book", itoa(bookID))
}

func (d *Dispatcher) handleUpdateBookAnnotation(ctx context.Context, sess *Session, args []string) string {
	bookID, err := parseID(args[0])
	if err != nil || bookID <= 0 {
		return protocol.Error("Invalid book ID format")
	}

	ok, err := d.store.UpdateBookAnnotation(ctx, bookID, args[1])
	if err != nil {
		return d.serverError(sess, "update_book_annotation", err)
	}
	if !ok {
		return protocol.FailDetail("update_annotation", "Book not found")
	}
	return protocol.OK("update_annotation", itoa(bookID))
}

func (d *Dispatcher) handleGetAllUsers(ctx context.Context, sess *Session, args []string) string {
	users, err := d.store.ListClientUsers(ctx)
	if err != nil {
		return d.serverError(sess, "get_all_users", err)
	}

	entries := make([]string, 0, len(users))
	for _, u := range users {
		entries = append(entries, protocol.Item(itoa(u.ID), u.Login))
	}
	return protocol.OK("all_users", protocol.List(entries))
}

func (d *Dispatcher) handleBlockUser(ctx context.Context, sess *Session, args []string) string {
	return d.setUserStatus(ctx, sess, "block_user", args[0], models.StatusBlocked)
}

func (d *Dispatcher) handleUnblockUser(ctx context.Context, sess *Session, args []string) string {
	return d.setUserStatus(ctx, sess, "unblock_user", args[0], models.StatusActive)
}

func (d *Dispatcher) setUserStatus(ctx context.Context, sess *Session, cmd, arg, status string) string {
	userID, err := parseID(arg)
	if err != nil {
		return protocol.Error("Invalid parameters")
	}

	ok, err := d.store.SetUserStatus(ctx, userID, status)
	if err != nil {
		return d.serverError(sess, cmd, err)
	}
	if !ok {
		return protocol.Fail(cmd)
	}
	return protocol.OK(cmd, itoa(userID))
}

func (d *Dispatcher) handleResetPassword(ctx context.Context, sess *Session, args []string) string {
	userID, err := parseID(args[0])
	if err != nil {
		return protocol.Error("Invalid parameters")
	}

	ok, err := d.store.ResetPassword(ctx, userID, args[1])
	if err != nil {
		return d.serverError(sess, "reset_user_password", err)
	}
	if !ok {
		return protocol.Fail("reset_password")
	}
	return protocol.OK("reset_password", itoa(userID))
}

func (d *Dispatcher) handleUpdateEmail(ctx context.Context, sess *Session, args []string) string {
	userID, err := parseID(args[0])
	if err != nil {
		return protocol.Error("Invalid parameters")
	}

	ok, err := d.store.UpdateEmail(ctx, userID, args[1])
	if err != nil {
		return d.serverError(sess, "update_user_email", err)
	}
	if !ok {
		return protocol.Fail("update_email")
	}
	return protocol.OK("update_email", itoa(userID))
}

func (d *Dispatcher) handleGetLibraryStats(ctx context.Context, sess *Session, args []string) string {
	stats, err := d.store.GetLibraryStats(ctx)
	if err != nil {
		return d.serverError(sess, "get_library_stats", err)
	}
	return protocol.OK("library_stats",
		strconv.Itoa(stats.TotalBooks),
		strconv.Itoa(stats.AvailableBooks),
		strconv.Itoa(stats.RentedBooks),
		strconv.Itoa(stats.TotalClients),
		strconv.Itoa(stats.ActiveRentals),
		strconv.Itoa(stats.OverdueRentals),
	)
}

func (d *Dispatcher) handleStatisticsReport(ctx context.Context, sess *Session, args []string) string {
	start, err1 := time.Parse(protocol.DateLayout, args[1])
	end, err2 := time.Parse(protocol.DateLayout, args[2])
	if err1 != nil || err2 != nil {
		return protocol.Error("Invalid parameters")
	}

	rep, err := d.reports.Run(ctx, report.Request{
		Type:   args[0],
		Start:  start,
		End:    end,
		Filter: args[3],
	})
	if err != nil {
		if errors.Is(err, report.ErrUnknownType) {
			return protocol.FailDetail("report_data", "Unknown report type")
		}
		if errors.Is(err, report.ErrFilterNotAllowed) {
			return protocol.FailDetail("report_data", "Genre filter not supported for this report")
		}
		return d.serverError(sess, "get_statistics_report", err)
	}

	if rep.Shape == models.ReportChart {
		values := make([]string, 0, len(rep.Values))
		for _, v := range rep.Values {
			values = append(values, fmt.Sprintf("%.2f", v))
		}
		return protocol.OK("report_chart_data",
			args[0],
			protocol.Item(rep.Labels...),
			protocol.Item(values...),
		)
	}

	// Headers lead the row list; a trailing separator marks an empty table
	entries := make([]string, 0, len(rep.Rows)+1)
	entries = append(entries, protocol.Item(rep.Headers...))
	for _, row := range rep.Rows {
		entries = append(entries, protocol.Item(row...))
	}
	payload := protocol.List(entries)
	if len(rep.Rows) == 0 {
		payload += protocol.ListSep
	}
	return protocol.OK("report_table_data", args[0], payload)
}

func (d *Dispatcher) handleImportBooksCSV(ctx context.Context, sess *Session, args []string) string {
	reader := csv.NewReader(strings.NewReader(args[0]))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return protocol.FailDetail("import_books", "Malformed CSV payload")
	}

	var total, succeeded, failed int
	var failures []string
	for i, rec := range records {
		if i == 0 && isCSVHeader(rec) {
			continue
		}
		total++

		line := i + 1
		if len(rec) < 4 {
			failed++
			failures = append(failures, fmt.Sprintf("line %d: expected at least 4 fields", line))
			continue
		}
		title := strings.TrimSpace(rec[0])
		author := strings.TrimSpace(rec[1])
		year := strings.TrimSpace(rec[2])
		genre := strings.TrimSpace(rec[3])
		annotation := ""
		if len(rec) > 4 {
			annotation = strings.TrimSpace(rec[4])
		}

		if title == "" || author == "" || year == "" || genre == "" {
			failed++
			failures = append(failures, fmt.Sprintf("line %d: empty required field", line))
			continue
		}
		if _, convErr := strconv.Atoi(year); convErr != nil {
			failed++
			failures = append(failures, fmt.Sprintf("line %d: year is not a number", line))
			continue
		}

		ok, addErr := d.store.AddBook(ctx, title, author, year, genre, annotation)
		if addErr != nil {
			return d.serverError(sess, "import_books_csv", addErr)
		}
		if !ok {
			failed++
			failures = append(failures, fmt.Sprintf("line %d: rejected by store", line))
			continue
		}
		succeeded++
	}

	summary := fmt.Sprintf("Import complete. Total lines processed: %d. Successful: %d. Failed: %d.",
		total, succeeded, failed)
	if len(failures) > 0 {
		summary += " Errors: " + strings.Join(failures, "; ")
	}
	return protocol.OK("import_books", protocol.Escape(summary))
}

func (d *Dispatcher) handleExportBooksCSV(ctx context.Context, sess *Session, args []string) string {
	books, err := d.store.ListBooks(ctx)
	if err != nil {
		return d.serverError(sess, "export_books_csv", err)
	}

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"Title", "Author", "Year", "Genre", "Annotation"})
	for _, b := range books {
		_ = w.Write([]string{b.Title, b.Author, b.Year, b.Genre, b.Annotation})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return d.serverError(sess, "export_books_csv", err)
	}
	return protocol.OK("export_books", protocol.Escape(buf.String()))
}

func isCSVHeader(rec []string) bool {
	if len(rec) < 4 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(rec[0]), "title") &&
		strings.EqualFold(strings.TrimSpace(rec[1]), "author")
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
