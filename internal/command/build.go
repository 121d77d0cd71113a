package command

import (
	"fmt"

	"github.com/keepmind9/botfleet/internal/ai"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/sirupsen/logrus"
)

// Deps are the backing resources handlers may need
type Deps struct {
	Plugins     PluginExecutor
	AI          ai.Client
	Fallback    string
	FailureText string
	DisableHelp bool
}

// Build turns persisted commands into a chain. Disabled commands are
// skipped; commands that cannot be built are logged and skipped so one bad
// record does not take the whole bot down.
func Build(botID int64, records []store.Command, deps Deps) *Chain {
	opts := []ChainOption{WithFallback(deps.Fallback)}
	if deps.FailureText != "" {
		opts = append(opts, WithFailureText(deps.FailureText))
	}
	chain := NewChain(opts...)

	var help []HelpEntry
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		h, err := NewHandler(rec, deps)
		if err != nil {
			logger.WithBot(botID).WithFields(logrus.Fields{
				"command": rec.Name,
				"error":   err,
			}).Warn("skipping-invalid-command")
			continue
		}
		chain.Add(h)
		help = append(help, HelpEntry{Trigger: displayTrigger(rec), Description: rec.Description})
	}

	if !deps.DisableHelp {
		chain.Add(NewHelpHandler(help))
	}
	return chain
}

// NewHandler builds the handler for one command record
func NewHandler(rec store.Command, deps Deps) (Handler, error) {
	match, err := NewMatcher(rec.TriggerType, rec.Trigger)
	if err != nil {
		return nil, err
	}

	name := rec.Name
	if name == "" {
		name = fmt.Sprintf("command-%d", rec.ID)
	}

	switch rec.HandlerType {
	case store.HandlerTemplate, "":
		return NewTemplateHandler(name, rec.Priority, match, rec.Response)
	case store.HandlerPlugin:
		if rec.PluginName == "" {
			return nil, fmt.Errorf("command %s: plugin name is required", name)
		}
		return NewPluginHandler(name, rec.Priority, match, rec.PluginName, deps.Plugins, rec.MaxRetries, rec.Timeout()), nil
	case store.HandlerAI:
		return NewAIHandler(name, rec.Priority, match, deps.AI, rec.Response, rec.MaxRetries, rec.Timeout()), nil
	default:
		return nil, fmt.Errorf("command %s: unknown handler type %q", name, rec.HandlerType)
	}
}

func displayTrigger(rec store.Command) string {
	switch rec.TriggerType {
	case store.TriggerCommand, "":
		if len(rec.Trigger) > 0 && rec.Trigger[0] == '/' {
			return rec.Trigger
		}
		return "/" + rec.Trigger
	default:
		return rec.Trigger
	}
}
