// Package database provides SQLite connection management for Chat Gate.
//
// Chat transcripts are the only durable state this service keeps; sessions
// and tokens live in memory and die with the process. The package handles:
//   - Opening the database with WAL mode and busy-timeout pragmas
//   - Schema migrations from embedded SQL files
//   - Health checks and lifecycle management
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path})
//	if err != nil { ... }
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil { ... }
package database
