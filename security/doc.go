// Package security provides security-related functionality for the authorization server:
// rate limiting, encryption at rest, client IP extraction, request IDs, response
// headers, and audit logging.
//
// # Rate Limiting
//
// RateLimiter applies a token bucket per identifier with LRU eviction, so a flood of
// distinct client IPs cannot grow memory without bound.
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{
//		RequestsPerSecond: 10,
//		Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// 429 Too Many Requests
//	}
//
// # Encryption
//
// Encryptor seals values with AES-256-GCM and encodes them as unpadded base64url.
// The server uses it to make refresh tokens opaque to clients.
//
// # Audit Logging
//
// Auditor writes security events through log/slog. User IDs are hashed before
// they reach the log; credential values are never logged.
package security
