// Package handlers provides the built-in handlers of the authorization
// server.
//
// Every handler is registered under a stable name of the form
// "<Event>.<Handler>", e.g. "ValidateTokenRequest.ValidateClientID", with an
// order spaced by 1000 so hosts can insert their own handlers in between.
// Handlers read their settings from Options and their collaborators from
// Services; handlers whose collaborators are missing fail when the
// dispatcher is built.
package handlers
