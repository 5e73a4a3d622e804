package oracle

// circuitBreaker is the latch that switches price serving from live feed
// validation to the cached last-known-good value. Trip and Reset are
// idempotent so operational runbooks can apply them unconditionally.
type circuitBreaker struct {
	tripped bool
}

// Trip engages fallback mode. Returns true if the state changed.
func (b *circuitBreaker) Trip() bool {
	if b.tripped {
		return false
	}
	b.tripped = true
	return true
}

// Reset clears fallback mode. Returns true if the state changed.
func (b *circuitBreaker) Reset() bool {
	if !b.tripped {
		return false
	}
	b.tripped = false
	return true
}

func (b *circuitBreaker) Tripped() bool { return b.tripped }
