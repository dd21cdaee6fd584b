// Package storage persists release subscriptions.
//
// Every driver implements the same Store contract:
//   - revisions are opaque and checked on Update/Delete (ErrConflict)
//   - at most one subscription per item identifier (ErrDuplicate)
//   - Delete refuses records that still have recipients (ErrRecipientsNotEmpty)
//   - version history is trimmed to MaxVersionHistory on every write
package storage
