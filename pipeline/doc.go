// Package pipeline implements the event-driven handler infrastructure the
// server is built on.
//
// A request is represented by a Transaction. Every stage of request
// processing is an event (a Go struct embedding *BaseContext) that the
// Dispatcher routes to the handlers registered for its concrete type.
// Handlers are described by immutable Descriptors that carry an ordering key,
// a set of Filters, a lifetime and an origin. The Registry holds descriptors
// at configuration time; NewDispatcher freezes it into ordered chains.
//
// Dispatch runs matching handlers in ascending order and stops as soon as the
// event reaches a terminal outcome (Handled, Skipped or Rejected). The first
// terminal outcome wins: later attempts to change it are ignored.
//
// Example:
//
//	reg := pipeline.NewRegistry()
//	_ = reg.Add(pipeline.Describe[*MyEvent]("my-handler").
//	    Order(1000).
//	    UseFunc(func(ctx context.Context, e *MyEvent) error {
//	        e.Reject("invalid_request", "The request is malformed.", "")
//	        return nil
//	    }).
//	    Build())
//
//	d, err := pipeline.NewDispatcher(reg)
package pipeline
