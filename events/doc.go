// Package events defines the event contexts dispatched while processing a
// request.
//
// Every endpoint goes through four stages, each with its own event type:
//
//	Extract<Endpoint>Request   parse the HTTP request into a protocol message
//	Validate<Endpoint>Request  check the request, the client and any presented token
//	Handle<Endpoint>Request    decide: sign in a principal, defer to the host or reject
//	Apply<Endpoint>Response    serialize the response into the HTTP response buffer
//
// ProcessRequest is the entry event that infers the endpoint and runs the
// stages. ProcessAuthentication validates presented tokens, ProcessSignIn
// issues tokens, ProcessSignOut revokes them, ProcessChallenge denies a
// request and ProcessError turns a rejection into an error response.
//
// All events embed *pipeline.BaseContext and share the transaction's
// request and response messages.
package events
