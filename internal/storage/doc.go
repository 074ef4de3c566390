// Package storage persists the broadcast log.
//
// Drivers:
//   - "file": JSON lines, compacted to the newest MaxEntries
//   - "sqlite": SQLite database (pure Go driver)
//   - "redis": capped list
//
// Every driver keeps at most MaxEntries records and returns them newest first.
package storage
