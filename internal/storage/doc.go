// Package storage persists finished dispatch reports and the operator audit log.
//
// Two backends exist:
//   - file: JSON lines journal plus a periodic snapshot
//   - sqlite: a single database file (modernc.org/sqlite, no cgo)
package storage
