// Package kvstore is the durable key/value port behind the session token
// store. Multi-key reads and writes are atomic: a reader never observes part
// of a SetMany or Delete.
package kvstore

// Store is a small string key/value store.
type Store interface {
	// GetMany returns the values present for keys. Absent keys are omitted.
	GetMany(keys ...string) (map[string]string, error)

	// SetMany writes every entry in values as one atomic update.
	SetMany(values map[string]string) error

	// Delete removes keys as one atomic update. Absent keys are ignored.
	Delete(keys ...string) error
}
