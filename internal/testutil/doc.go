// Package testutil provides fixtures and helpers shared by the authorization server
// tests: a controllable clock, PKCE pairs, bcrypt-hashed client fixtures and user
// records.
package testutil
