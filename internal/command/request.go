// Package command resolves an inbound message to exactly one response by
// running an ordered chain of handlers.
package command

import (
	"strings"
	"time"
)

// Request is a normalized inbound message
type Request struct {
	RequestID   string
	BotID       int64
	BotUsername string
	ChatID      string
	UserID      string
	Username    string
	Text        string
	Command     string   // Command name without slash or @bot suffix, empty for plain text
	Args        []string // Words after the command
	ReceivedAt  time.Time
}

// NewRequest builds a request and parses its command, if any
func NewRequest(botID int64, botUsername, chatID, userID, username, text string) *Request {
	req := &Request{
		BotID:       botID,
		BotUsername: botUsername,
		ChatID:      chatID,
		UserID:      userID,
		Username:    username,
		Text:        text,
		ReceivedAt:  time.Now(),
	}
	req.Command, req.Args, _ = ParseCommand(text, botUsername)
	return req
}

// ArgsText returns the arguments joined by single spaces
func (r *Request) ArgsText() string {
	return strings.Join(r.Args, " ")
}

// IsCommand reports whether the message is a bot command
func (r *Request) IsCommand() bool {
	return r.Command != ""
}

// ParseCommand splits "/name@bot arg1 arg2" into name and args. A command
// addressed to a different bot (mismatched @suffix) is not a command for us.
func ParseCommand(text, botUsername string) (name string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") || len(fields[0]) < 2 {
		return "", nil, false
	}

	name = fields[0][1:]
	if at := strings.Index(name, "@"); at >= 0 {
		target := name[at+1:]
		name = name[:at]
		if botUsername != "" && !strings.EqualFold(target, botUsername) {
			return "", nil, false
		}
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// Status is the outcome of resolving a request
type Status int

const (
	// StatusOK means a handler produced the response
	StatusOK Status = iota
	// StatusNoHandler means no handler accepted the request
	StatusNoHandler
	// StatusFailed means the selected handler failed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoHandler:
		return "no_handler"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Response is the single result of a chain resolution
type Response struct {
	Status  Status
	Text    string // Reply text; empty means send nothing
	Handler string // Name of the handler that produced it
	Err     error  // Set when Status is StatusFailed
}
