// Package protocol implements the line-oriented wire grammar: one request per
// line, fields separated by '&', list entries by '|', entry sub-fields by ','.
// Data fields are percent-escaped so delimiter characters inside values cannot
// break parsing on either end.
package protocol

import "strings"

// Field separators. A response line is "command<+|->&field&field\r\n".
const (
	FieldSep = "&"
	ListSep  = "|"
	ItemSep  = ","

	// DateLayout is the wire format for all dates.
	DateLayout = "2006-01-02"
)

// LineEnding terminates every response frame.
const LineEnding = "\r\n"

var escaper = strings.NewReplacer(
	"%", "%25",
	"&", "%26",
	"|", "%7C",
	",", "%2C",
	"\r", "%0D",
	"\n", "%0A",
)

var unescaper = strings.NewReplacer(
	"%26", "&",
	"%7C", "|",
	"%2C", ",",
	"%0D", "\r",
	"%0A", "\n",
	"%25", "%",
)

// Escape encodes delimiter characters inside a data field.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape.
func Unescape(s string) string {
	return unescaper.Replace(s)
}

// Request is a parsed inbound frame.
type Request struct {
	Command string
	Args    []string
}

// ParseRequest splits a request line into command and unescaped arguments.
// An empty line parses to an empty command.
func ParseRequest(line string) Request {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Request{}
	}
	parts := strings.Split(line, FieldSep)
	req := Request{Command: parts[0]}
	for _, p := range parts[1:] {
		req.Args = append(req.Args, Unescape(p))
	}
	return req
}

// OK builds a success response. Fields must already be rendered (escaped
// scalars via Escape, lists via List/Item).
func OK(command string, fields ...string) string {
	return join(command+"+", fields)
}

// Fail builds a bare failure response for the given command.
func Fail(command string) string {
	return command + "-" + LineEnding
}

// FailDetail builds a failure response carrying a human-readable detail.
func FailDetail(command, detail string) string {
	return join(command+"-", []string{Escape(detail)})
}

// Error builds the generic error response used for protocol-level rejections.
func Error(detail string) string {
	return join("error", []string{Escape(detail)})
}

// Item escapes each sub-field and joins them with ','.
func Item(fields ...string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = Escape(f)
	}
	return strings.Join(escaped, ItemSep)
}

// List joins rendered entries with '|'.
func List(entries []string) string {
	return strings.Join(entries, ListSep)
}

func join(head string, fields []string) string {
	if len(fields) == 0 {
		return head + LineEnding
	}
	return head + FieldSep + strings.Join(fields, FieldSep) + LineEnding
}
