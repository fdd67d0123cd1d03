package store

// Schema is a single key-value table. Every document is a JSON value under
// one of the keys below; version increments on every write to the key.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL
);
`

// Document keys.
const (
	KeyRules            = "rules"
	KeyLogs             = "logs"
	KeySnapshots        = "snapshots"
	KeySettings         = "settings"
	KeyPendingSelection = "pendingSelection"
	KeyWizardState      = "pendingWizardState"
)
