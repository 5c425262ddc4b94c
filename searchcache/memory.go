package searchcache

import (
	"context"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hazyhaar/leadscout/contact"
)

// Memory is an in-process LRU with expiry. Entries are also checked
// against Options.Now, so an injected clock governs what Get and Purge
// treat as stale.
type Memory struct {
	opts Options
	lru  *expirable.LRU[string, entry]
}

// NewMemory returns an empty Memory cache.
func NewMemory(opts Options) *Memory {
	opts.defaults()
	return &Memory{opts: opts, lru: expirable.NewLRU[string, entry](opts.MaxEntries, nil, opts.TTL)}
}

func (m *Memory) Get(_ context.Context, company, keyword string) ([]contact.Contact, bool, error) {
	key := contact.Key(company, keyword)
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if m.expired(e.FetchedAt) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return clone(e.Contacts), true, nil
}

func (m *Memory) Put(_ context.Context, company, keyword string, contacts []contact.Contact) error {
	e := entry{Company: company, Keyword: keyword, Contacts: clone(contacts), FetchedAt: m.opts.Now().UnixMilli()}
	m.lru.Add(contact.Key(company, keyword), e)
	return nil
}

func (m *Memory) Purge(_ context.Context) (int, error) {
	n := 0
	for _, key := range m.lru.Keys() {
		if e, ok := m.lru.Peek(key); ok && m.expired(e.FetchedAt) {
			if m.lru.Remove(key) {
				n++
			}
		}
	}
	return n, nil
}

// Len is the number of entries, expired ones included.
func (m *Memory) Len() int { return m.lru.Len() }

func (m *Memory) expired(fetchedAt int64) bool {
	return m.opts.Now().UnixMilli()-fetchedAt >= m.opts.TTL.Milliseconds()
}
