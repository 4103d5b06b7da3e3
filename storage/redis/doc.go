// Package redisstore provides a Redis-backed implementation of the storage interfaces.
//
// Records are stored as JSON under "<prefix><kind>:<id>" keys. Sessions are also
// indexed by a SHA-256 digest of their current refresh token so raw tokens never
// appear in key names.
//
// Atomicity:
//   - ConsumeVerification uses GETDEL, so a code is handed out at most once.
//   - RotateSession uses WATCH/MULTI/EXEC. A concurrent write aborts the
//     transaction and the caller receives storage.ErrConflict.
//
// Expiry is delegated to Redis key TTLs. Verifications are kept for a short
// retention window past their expiry so a late exchange can be told apart from
// an unknown code.
//
// Example usage:
//
//	store, err := redisstore.New(ctx, redisstore.Config{
//		Addrs:     []string{"localhost:6379"},
//		KeyPrefix: "oauth:",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package redisstore
