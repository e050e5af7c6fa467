package pipeline

import (
	"log/slog"

	"github.com/giantswarm/oauth-server/protocol"
)

// OutcomeKind is the state of an event context.
type OutcomeKind int

const (
	// Continue means no handler has decided yet.
	Continue OutcomeKind = iota
	// Handled means the response is complete and nothing else must run.
	Handled
	// Skipped means the rest of the pipeline defers to the host.
	Skipped
	// Rejected means the request failed with a protocol error.
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Handled:
		return "handled"
	case Skipped:
		return "skipped"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether k stops the dispatcher.
func (k OutcomeKind) IsTerminal() bool {
	return k != Continue
}

// Outcome is the decision recorded on an event context. Error, Description
// and URI are only set for Rejected.
type Outcome struct {
	Kind        OutcomeKind
	Error       string
	Description string
	URI         string
}

// Event is implemented by every event context. Concrete events embed
// *BaseContext, which provides the implementation.
type Event interface {
	Base() *BaseContext
}

// BaseContext holds the state every event shares: the owning transaction and
// the outcome. The outcome leaves Continue at most once; the first terminal
// outcome wins and later transitions report false.
type BaseContext struct {
	Transaction *Transaction

	outcome Outcome
}

// NewBaseContext creates a context bound to tx.
func NewBaseContext(tx *Transaction) *BaseContext {
	return &BaseContext{Transaction: tx}
}

// Base returns c. It lets embedding structs satisfy Event.
func (c *BaseContext) Base() *BaseContext { return c }

// Request returns the protocol request of the transaction.
func (c *BaseContext) Request() *protocol.Message {
	return c.Transaction.Request
}

// SetRequest replaces the protocol request of the transaction.
func (c *BaseContext) SetRequest(m *protocol.Message) {
	c.Transaction.Request = m
}

// Response returns the protocol response of the transaction, creating it
// on first use.
func (c *BaseContext) Response() *protocol.Message {
	if c.Transaction.Response == nil {
		c.Transaction.Response = protocol.NewMessage()
	}
	return c.Transaction.Response
}

// SetResponse replaces the protocol response of the transaction.
func (c *BaseContext) SetResponse(m *protocol.Message) {
	c.Transaction.Response = m
}

// Endpoint returns the endpoint of the transaction.
func (c *BaseContext) Endpoint() Endpoint {
	return c.Transaction.Endpoint
}

// Logger returns the transaction logger.
func (c *BaseContext) Logger() *slog.Logger {
	return c.Transaction.Logger
}

// Outcome returns the current outcome.
func (c *BaseContext) Outcome() Outcome { return c.outcome }

// IsTerminal reports whether a handler already decided the outcome.
func (c *BaseContext) IsTerminal() bool { return c.outcome.Kind.IsTerminal() }

// IsRequestHandled reports whether the outcome is Handled.
func (c *BaseContext) IsRequestHandled() bool { return c.outcome.Kind == Handled }

// IsRequestSkipped reports whether the outcome is Skipped.
func (c *BaseContext) IsRequestSkipped() bool { return c.outcome.Kind == Skipped }

// IsRejected reports whether the outcome is Rejected.
func (c *BaseContext) IsRejected() bool { return c.outcome.Kind == Rejected }

// ErrorCode returns the rejection error code, or "".
func (c *BaseContext) ErrorCode() string { return c.outcome.Error }

// ErrorDescription returns the rejection description, or "".
func (c *BaseContext) ErrorDescription() string { return c.outcome.Description }

// ErrorURI returns the rejection URI, or "".
func (c *BaseContext) ErrorURI() string { return c.outcome.URI }

// SetOutcome applies o if the context has not reached a terminal outcome
// yet. Setting Continue is a no-op that reports whether the context is still
// undecided.
func (c *BaseContext) SetOutcome(o Outcome) bool {
	if c.outcome.Kind.IsTerminal() {
		return false
	}
	if o.Kind != Rejected {
		o.Error, o.Description, o.URI = "", "", ""
	}
	c.outcome = o
	return true
}

// HandleRequest marks the request as fully handled.
func (c *BaseContext) HandleRequest() bool {
	return c.SetOutcome(Outcome{Kind: Handled})
}

// SkipRequest marks the request as deferred to the host.
func (c *BaseContext) SkipRequest() bool {
	return c.SetOutcome(Outcome{Kind: Skipped})
}

// Reject marks the request as rejected. An empty error code defaults to
// invalid_request.
func (c *BaseContext) Reject(code, description, uri string) bool {
	if code == "" {
		code = protocol.ErrorInvalidRequest
	}
	return c.SetOutcome(Outcome{Kind: Rejected, Error: code, Description: description, URI: uri})
}
