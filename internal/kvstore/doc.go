// Package kvstore is the namespaced key-value store that holds per-account
// OAuth token state.
//
// Every value carries its type (string, int or bool); reading a key as the
// wrong type fails with ErrTypeMismatch. Update groups several writes into
// one atomic change, which is how the access token, its expiry and the
// rotating refresh token are always replaced together.
//
// Two implementations are provided: SQLiteStore on the kv_store table and
// MemoryStore for tests and ephemeral runs.
package kvstore
