// Package testutil provides test fixtures for the oauth-server packages:
// a controllable clock, PKCE pairs, registered client applications and
// in-memory stores wired with a token protector.
package testutil
