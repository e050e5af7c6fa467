// Package server assembles the OAuth 2.0 / OpenID Connect protocol engine.
//
// A Server registers the built-in handlers of the handlers package, lets
// the host add, remove or replace handlers through Registry, and freezes
// them into a dispatcher with Build. Configuration problems surface as
// *pipeline.ConfigurationError from New and Build.
//
// The host drives each HTTP request through ProcessRequest. Requests of
// endpoints in passthrough mode come back Skipped once validated; the host
// authenticates the user and completes them with SignIn or Challenge.
//
// Example usage:
//
//	store := memory.New()
//	srv, err := server.New(server.Stores{
//	    Applications: store,
//	    Scopes:       store,
//	    Tokens:       store,
//	}, protector, &server.Config{Issuer: "https://auth.example.com"}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Build(); err != nil {
//	    log.Fatal(err)
//	}
package server
