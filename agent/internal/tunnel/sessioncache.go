package tunnel

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"

	"github.com/coresible/go-connect-agent/agent/internal/sessioncache"
)

// clientSessionCache adapts sessioncache.Cache (an origin-keyed store of
// opaque ticket bytes) to crypto/tls's ClientSessionCache interface, so the
// factory's session ticket reuse rides on the same cache that also handles
// eviction and glob-pattern lookups for other consumers.
type clientSessionCache struct {
	backing   *sessioncache.Cache
	sessionID string // disambiguates the single key this cache is consulted under
}

func newClientSessionCache(backing *sessioncache.Cache, sessionID string) *clientSessionCache {
	return &clientSessionCache{backing: backing, sessionID: sessionID}
}

// Get implements tls.ClientSessionCache.
func (c *clientSessionCache) Get(_ string) (*tls.ClientSessionState, bool) {
	encoded, ok := c.backing.Get(c.sessionID)
	if !ok {
		return nil, false
	}
	ticket, stateBytes, err := decodeSession(encoded)
	if err != nil {
		return nil, false
	}
	state, err := tls.ParseSessionState(stateBytes)
	if err != nil {
		return nil, false
	}
	cs, err := tls.NewResumptionState(ticket, state)
	if err != nil {
		return nil, false
	}
	return cs, true
}

// Put implements tls.ClientSessionCache.
func (c *clientSessionCache) Put(_ string, cs *tls.ClientSessionState) {
	if cs == nil {
		return
	}
	ticket, state, err := cs.ResumptionState()
	if err != nil {
		return
	}
	stateBytes, err := state.Bytes()
	if err != nil {
		return
	}
	c.backing.Put(c.sessionID, encodeSession(ticket, stateBytes))
}

// encodeSession packs (ticket, state) into one length-prefixed blob so a
// single-key byte-slice store (sessioncache.Cache) can hold both.
func encodeSession(ticket, state []byte) []byte {
	out := make([]byte, 4+len(ticket)+len(state))
	binary.BigEndian.PutUint32(out[:4], uint32(len(ticket)))
	copy(out[4:], ticket)
	copy(out[4+len(ticket):], state)
	return out
}

func decodeSession(blob []byte) (ticket, state []byte, err error) {
	if len(blob) < 4 {
		return nil, nil, fmt.Errorf("session blob too short")
	}
	n := binary.BigEndian.Uint32(blob[:4])
	if int(4+n) > len(blob) {
		return nil, nil, fmt.Errorf("session blob truncated")
	}
	ticket = blob[4 : 4+n]
	state = blob[4+n:]
	return ticket, state, nil
}
