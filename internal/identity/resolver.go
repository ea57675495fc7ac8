// Package identity resolves the owning identity for a chat from the
// durable store. Resolution is best-effort: an anonymous chat is a
// degraded mode, not an error.
package identity

import "database/sql"

// Resolver looks up chat ownership in the chat_owners table.
type Resolver struct {
	db *sql.DB // nil when no durable store is configured
}

// NewResolver creates a resolver. db may be nil.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns the owning identity for a chat, or "" when the chat is
// anonymous, unknown, or the store is unavailable.
func (r *Resolver) Resolve(chatID string) string {
	if r.db == nil {
		return ""
	}
	var owner string
	err := r.db.QueryRow(`SELECT owner_id FROM chat_owners WHERE chat_id = ?`, chatID).Scan(&owner)
	if err != nil {
		return ""
	}
	return owner
}

// Associate records chat ownership, replacing any previous association.
func (r *Resolver) Associate(chatID, ownerID string) error {
	if r.db == nil {
		return nil
	}
	_, err := r.db.Exec(
		`INSERT INTO chat_owners (chat_id, owner_id) VALUES (?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET owner_id = excluded.owner_id`,
		chatID, ownerID,
	)
	return err
}
