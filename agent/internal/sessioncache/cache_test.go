package sessioncache_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/coresible/go-connect-agent/agent/internal/sessioncache"
)

func TestGetOnUnknownKeyReturnsNoneSilently(t *testing.T) {
	c := qt.New(t)

	cache := sessioncache.New(0)
	ticket, ok := cache.Get("www.example.com:443")

	c.Assert(ok, qt.IsFalse)
	c.Assert(ticket, qt.IsNil)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := qt.New(t)

	cache := sessioncache.New(0)
	cache.Put("www.example.com:443", []byte("ticket-1"))

	ticket, ok := cache.Get("www.example.com:443")
	c.Assert(ok, qt.IsTrue)
	c.Assert(ticket, qt.DeepEquals, []byte("ticket-1"))
}

func TestPutOverwritesLastWriterWins(t *testing.T) {
	c := qt.New(t)

	cache := sessioncache.New(0)
	cache.Put("k", []byte("first"))
	cache.Put("k", []byte("second"))

	ticket, ok := cache.Get("k")
	c.Assert(ok, qt.IsTrue)
	c.Assert(ticket, qt.DeepEquals, []byte("second"))
}

func TestEvictRemovesKey(t *testing.T) {
	c := qt.New(t)

	cache := sessioncache.New(0)
	cache.Put("k", []byte("t"))
	cache.Evict("k")

	_, ok := cache.Get("k")
	c.Assert(ok, qt.IsFalse)
}

func TestEvictMatchingRemovesGlobFamily(t *testing.T) {
	c := qt.New(t)

	cache := sessioncache.New(0)
	cache.Put("a.example.com:443", []byte("a"))
	cache.Put("b.example.com:443", []byte("b"))
	cache.Put("other.test:443", []byte("c"))

	n := cache.EvictMatching("*.example.com:443")
	c.Assert(n, qt.Equals, 2)

	_, ok := cache.Get("a.example.com:443")
	c.Assert(ok, qt.IsFalse)
	_, ok = cache.Get("other.test:443")
	c.Assert(ok, qt.IsTrue)
}

func TestLenReflectsStoredOrigins(t *testing.T) {
	c := qt.New(t)

	cache := sessioncache.New(0)
	cache.Put("a", []byte("1"))
	cache.Put("b", []byte("2"))

	c.Assert(cache.Len(), qt.Equals, 2)
}
