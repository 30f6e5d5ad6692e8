// Package storage is the durable job store.
//
// Backends:
//   - memory: mutex-guarded map, for tests and throwaway runs
//   - sqlite: single-writer database file (modernc.org/sqlite)
//   - postgres: shared database for multi-process workers (pgx, SKIP LOCKED)
//
// All backends guarantee that two concurrent LeaseNext calls never return the same job.
package storage
