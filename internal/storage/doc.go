// Package storage provides the persistence layer used by the job queue.
//
// It currently supports:
//   - The persisted queue (one ordered list, rewritten wholesale on every mutation)
//   - Job outcome history (append-only, read newest-first)
package storage
