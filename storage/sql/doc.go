// Package sqlstore provides a relational implementation of the storage interfaces
// on top of gorm. PostgreSQL and SQLite are supported.
//
// The schema is created with AutoMigrate when the store is constructed. Tables are
// prefixed with "oauth_".
//
// ConsumeVerification selects and deletes inside a transaction and only returns the
// row to the caller whose DELETE removed it. RotateSession is a conditional UPDATE on
// the current token, so of two concurrent refreshes only one can match.
//
// Expired rows are not removed automatically. Call DeleteExpired periodically with a
// cutoff that trails the current time by storage.DefaultExpiredRetention.
//
// Example usage:
//
//	store, err := sqlstore.Open(sqlstore.DriverPostgres, "host=localhost user=oauth dbname=oauth")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package sqlstore
