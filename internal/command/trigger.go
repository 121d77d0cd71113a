package command

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/keepmind9/botfleet/internal/store"
)

// Matcher decides whether a request triggers a command
type Matcher func(req *Request) bool

// NewMatcher builds the matcher for a trigger definition
func NewMatcher(kind store.TriggerType, trigger string) (Matcher, error) {
	switch kind {
	case store.TriggerExact:
		want := strings.TrimSpace(trigger)
		return func(req *Request) bool {
			return strings.EqualFold(strings.TrimSpace(req.Text), want)
		}, nil

	case store.TriggerPrefix:
		if trigger == "" {
			return nil, fmt.Errorf("prefix trigger is empty")
		}
		prefix := strings.ToLower(trigger)
		return func(req *Request) bool {
			return strings.HasPrefix(strings.ToLower(strings.TrimSpace(req.Text)), prefix)
		}, nil

	case store.TriggerPattern:
		re, err := regexp.Compile(trigger)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", trigger, err)
		}
		return func(req *Request) bool {
			return re.MatchString(req.Text)
		}, nil

	case store.TriggerCommand, "":
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(trigger), "/"))
		if name == "" {
			return nil, fmt.Errorf("command trigger is empty")
		}
		return func(req *Request) bool {
			return req.Command == name
		}, nil

	default:
		return nil, fmt.Errorf("unknown trigger type %q", kind)
	}
}
