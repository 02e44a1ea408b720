package tracking

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/event"
)

const maxCommandBindingLen = 4096

// Handshake and auth commands run on pooled connections, not on behalf of
// a request.
var ignoredMongoCommands = map[string]struct{}{
	"hello":        {},
	"ismaster":     {},
	"saslstart":    {},
	"saslcontinue": {},
	"authenticate": {},
	"getnonce":     {},
	"endsessions":  {},
}

// QueryObserver records a SQL statement against the trace carried by ctx.
// It matches trace.QueryObserver so SQL stores can report through it.
func QueryObserver(ctx context.Context, statement string, args []any, elapsed time.Duration) {
	AddQuery(ctx, strings.TrimSpace(statement), args, durationMS(elapsed))
}

type pendingCommand struct {
	statement string
	bindings  []any
}

// MongoCommandMonitor returns a driver command monitor that records every
// command issued under a traced context as a query. The statement is the
// command name and target; the binding is the command as extended JSON.
func MongoCommandMonitor() *event.CommandMonitor {
	var pending sync.Map
	finish := func(ctx context.Context, requestID int64, elapsed time.Duration) {
		value, ok := pending.LoadAndDelete(requestID)
		if !ok {
			return
		}
		cmd := value.(pendingCommand)
		AddQuery(ctx, cmd.statement, cmd.bindings, durationMS(elapsed))
	}

	return &event.CommandMonitor{
		Started: func(ctx context.Context, evt *event.CommandStartedEvent) {
			if evt == nil || !Active(ctx) {
				return
			}
			if _, skip := ignoredMongoCommands[strings.ToLower(evt.CommandName)]; skip {
				return
			}
			statement := evt.DatabaseName + "." + evt.CommandName
			if target, ok := evt.Command.Lookup(evt.CommandName).StringValueOK(); ok && target != "" {
				statement = evt.CommandName + " " + evt.DatabaseName + "." + target
			}
			command := evt.Command.String()
			if len(command) > maxCommandBindingLen {
				command = command[:maxCommandBindingLen]
			}
			pending.Store(evt.RequestID, pendingCommand{statement: statement, bindings: []any{command}})
		},
		Succeeded: func(ctx context.Context, evt *event.CommandSucceededEvent) {
			if evt == nil {
				return
			}
			finish(ctx, evt.RequestID, evt.Duration)
		},
		Failed: func(ctx context.Context, evt *event.CommandFailedEvent) {
			if evt == nil {
				return
			}
			finish(ctx, evt.RequestID, evt.Duration)
		},
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
