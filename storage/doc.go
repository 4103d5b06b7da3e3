// Package storage provides interfaces and record types for authorization server persistence.
//
// The storage package defines the core storage interfaces used throughout the library:
//   - ClientStore: Looks up registered OAuth clients
//   - VerificationStore: One-time values with expiry (authorization codes)
//   - SessionStore: Refresh-token-bearing sessions with compare-and-swap rotation
//   - UserStore: Resolves users referenced by codes and sessions
//
// The authorization server core treats every backend as opaque and only uses
// find-by-key, create, rotate and consume operations.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/redis: Redis storage for multi-instance deployments
//   - storage/sql: gorm-backed storage for SQLite and PostgreSQL
package storage
