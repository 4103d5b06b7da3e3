// Package util provides small helpers shared across the authorization server packages:
// scope string handling, safe truncation of secrets for logs, and hostname checks used
// by redirect URI validation.
package util
