package searchcache

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/dbopen"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func backends(t *testing.T, c *clock, maxEntries int) map[string]Cache {
	t.Helper()
	opts := Options{TTL: time.Hour, MaxEntries: maxEntries, Now: c.Now}
	sq, err := NewSQLite(dbopen.OpenMemory(t), opts)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Cache{"memory": NewMemory(opts), "sqlite": sq}
}

var alice = []contact.Contact{{Name: "Alice", Title: "CEO", ProfileURL: "https://www.linkedin.com/in/alice"}}

func TestCache_NormalizedHit(t *testing.T) {
	// WHAT: a pair stored as "Carrefour"/"CEO" is found as "carrefour "/" ceo".
	// WHY: the same batch typed differently must not cost a second live search.
	for name, c := range backends(t, &clock{t: time.Unix(1_700_000_000, 0)}, 10) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := c.Put(ctx, "Carrefour", "CEO", alice); err != nil {
				t.Fatal(err)
			}
			got, ok, err := c.Get(ctx, "carrefour ", " ceo")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if len(got) != 1 || got[0].Name != "Alice" {
				t.Errorf("got %+v", got)
			}
			if _, ok, _ := c.Get(ctx, "Carrefour", "CFO"); ok {
				t.Error("different keyword hit")
			}
		})
	}
}

func TestCache_EmptyResultIsAHit(t *testing.T) {
	for name, c := range backends(t, &clock{t: time.Unix(1_700_000_000, 0)}, 10) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c.Put(ctx, "Nobody Inc", "CEO", nil)
			got, ok, err := c.Get(ctx, "Nobody Inc", "CEO")
			if err != nil || !ok {
				t.Fatalf("ok=%v err=%v", ok, err)
			}
			if got == nil || len(got) != 0 {
				t.Errorf("got %#v, want empty non-nil slice", got)
			}
		})
	}
}

func TestCache_Expiry(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	for name, c := range backends(t, clk, 10) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c.Put(ctx, "Acme", "CTO", alice)
			clk.Advance(59 * time.Minute)
			if _, ok, _ := c.Get(ctx, "Acme", "CTO"); !ok {
				t.Fatal("expired too early")
			}
			clk.Advance(2 * time.Minute)
			if _, ok, _ := c.Get(ctx, "Acme", "CTO"); ok {
				t.Fatal("entry outlived its TTL")
			}
		})
	}
}

func TestCache_PurgeCap(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	for name, c := range backends(t, clk, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, co := range []string{"A", "B", "C", "D", "E"} {
				c.Put(ctx, co, "CEO", alice)
				clk.Advance(time.Second)
			}
			c.Purge(ctx)
			if _, ok, _ := c.Get(ctx, "A", "CEO"); ok {
				t.Error("oldest entry kept past the cap")
			}
			if _, ok, _ := c.Get(ctx, "E", "CEO"); !ok {
				t.Error("newest entry evicted")
			}
		})
	}
}

func TestMemory_LRUOrder(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory(Options{MaxEntries: 2, Now: clk.Now})
	ctx := context.Background()

	m.Put(ctx, "A", "", alice)
	m.Put(ctx, "B", "", alice)
	m.Get(ctx, "A", "") // A is now most recent
	m.Put(ctx, "C", "", alice)

	if _, ok, _ := m.Get(ctx, "B", ""); ok {
		t.Error("least recently used entry survived")
	}
	if _, ok, _ := m.Get(ctx, "A", ""); !ok {
		t.Error("recently read entry evicted")
	}
	if m.Len() != 2 {
		t.Errorf("len: %d", m.Len())
	}
}

func TestMemory_PurgeExpired(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory(Options{TTL: time.Minute, Now: clk.Now})
	ctx := context.Background()
	m.Put(ctx, "A", "", alice)
	clk.Advance(2 * time.Minute)
	m.Put(ctx, "B", "", alice)

	n, _ := m.Purge(ctx)
	if n != 1 || m.Len() != 1 {
		t.Errorf("purged %d, left %d", n, m.Len())
	}
}

func TestRedisKey_Normalized(t *testing.T) {
	if redisKey("Carrefour", "CEO") != redisKey(" carrefour", "ceo ") {
		t.Error("redis keys differ for equivalent pairs")
	}
	if redisKey("A", "B") == redisKey("B", "A") {
		t.Error("company and keyword are interchangeable in the key")
	}
}
