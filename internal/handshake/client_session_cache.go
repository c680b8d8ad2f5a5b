package handshake

import (
	"crypto/tls"
)

// clientSessionCache wraps the user-provided tls.ClientSessionCache.
// When a session ticket is stored, it adds the data needed for 0-RTT resumption
// (transport parameters, RTT) to the session state. When a ticket is retrieved,
// it strips that data again, so that the wrapped cache never sees it.
type clientSessionCache struct {
	wrapped tls.ClientSessionCache

	getData func(earlyData bool) []byte
	setData func(data []byte, earlyData bool) (allowEarlyData bool)
}

var _ tls.ClientSessionCache = &clientSessionCache{}

func (c *clientSessionCache) Put(key string, cs *tls.ClientSessionState) {
	if cs == nil {
		c.wrapped.Put(key, nil)
		return
	}
	ticket, state, err := cs.ResumptionState()
	if err != nil || state == nil {
		c.wrapped.Put(key, cs)
		return
	}
	state.Extra = addExtraData(state.Extra, c.getData(state.EarlyData))
	newCS, err := tls.NewResumptionState(ticket, state)
	if err != nil {
		c.wrapped.Put(key, cs)
		return
	}
	c.wrapped.Put(key, newCS)
}

func (c *clientSessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	cs, ok := c.wrapped.Get(key)
	if !ok || cs == nil {
		return cs, ok
	}
	ticket, state, err := cs.ResumptionState()
	if err != nil || state == nil {
		return cs, ok
	}
	if extra := findExtraData(state.Extra); extra != nil {
		state.EarlyData = c.setData(extra, state.EarlyData)
	} else {
		state.EarlyData = false
	}
	newCS, err := tls.NewResumptionState(ticket, state)
	if err != nil {
		return cs, ok
	}
	return newCS, true
}
