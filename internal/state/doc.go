// Package state provides filesystem- and SQLite-backed storage for
// research checkpoints, recovered results and scheduled tasks.
package state

import "github.com/user/quorum/internal/types"

// Compile-time interface compliance checks.
var _ types.CheckpointStore = (*CheckpointStore)(nil)
var _ types.CheckpointStore = (*SQLiteStore)(nil)
