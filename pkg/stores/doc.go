// Package stores persists Hoist control-plane state.
//
// SQLiteStore keeps applications, deployments with their transition history,
// certificates, managed databases, driver external references and leases in
// one SQLite database opened in WAL mode. Schema changes ship as embedded
// golang-migrate migrations. A partial unique index guarantees at most one
// queued, building or releasing deployment per application even when two
// control-plane processes share the file.
//
// MemoryStore implements the same contract in memory for tests and
// development. Both are checked by the storetest suite.
package stores
