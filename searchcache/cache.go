// Package searchcache remembers the people found for a (company, keyword)
// pair so a repeated search never reaches the network again.
//
// Keys are normalized with contact.Key: "Carrefour" and " carrefour " hit
// the same entry. Entries expire after a TTL (30 days by default).
package searchcache

import (
	"context"
	"time"

	"github.com/hazyhaar/leadscout/contact"
)

// Cache is implemented by the memory, SQLite and Redis backends.
type Cache interface {
	// Get returns the cached contacts for the pair. A hit may hold zero
	// contacts: "nobody found" is cached too.
	Get(ctx context.Context, company, keyword string) ([]contact.Contact, bool, error)
	Put(ctx context.Context, company, keyword string, contacts []contact.Contact) error
	// Purge drops expired entries and enforces the size cap. It returns
	// the number of entries removed.
	Purge(ctx context.Context) (int, error)
}

// Options tune a backend.
type Options struct {
	TTL        time.Duration // Default: 30 days.
	MaxEntries int           // Default: 50 000. Redis ignores it.
	Now        func() time.Time
}

// DefaultTTL is how long a search result stays valid.
const DefaultTTL = 30 * 24 * time.Hour

// DefaultMaxEntries caps the memory and SQLite backends.
const DefaultMaxEntries = 50000

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// entry is the stored value.
type entry struct {
	Company   string            `json:"company"`
	Keyword   string            `json:"keyword"`
	Contacts  []contact.Contact `json:"contacts"`
	FetchedAt int64             `json:"fetchedAt"`
}

func clone(in []contact.Contact) []contact.Contact {
	out := make([]contact.Contact, len(in))
	copy(out, in)
	return out
}
