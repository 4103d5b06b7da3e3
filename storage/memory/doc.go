// Package memory provides an in-memory implementation of the storage interfaces.
//
// All records live in maps guarded by a single sync.RWMutex. ConsumeVerification and
// RotateSession run entirely under the write lock, which gives them the atomicity the
// token endpoint relies on. A background loop drops expired verifications and sessions.
//
// Data is lost on restart and is not shared between processes. Use storage/redis or
// storage/sql for multi-instance deployments.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, signer, config, logger)
package memory
