// Package oauth serves the OAuth 2.0 / OpenID Connect endpoints of a
// server.Server over net/http.
//
// Requests that need an authenticated end user (authorization and device
// verification by default) are handed to an Authenticator, which signs the
// user in or denies the request:
//
//	h, err := oauth.New(stores, &oauth.Config{
//		Authenticate: oauth.AuthenticatorFunc(login),
//	})
//	http.Handle("/oauth/", h)
package oauth
