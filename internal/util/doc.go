// Package util provides small helpers shared across the server packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
package util
