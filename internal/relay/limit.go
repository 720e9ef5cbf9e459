package relay

// connSemaphore limits concurrent peer sockets. Displaced connections stay
// open until their peer goes away, so a client stuck in a reconnect loop
// can otherwise pile them up. A nil channel (from newConnSemaphore(0))
// imposes no limit.
type connSemaphore struct {
	ch chan struct{}
}

func newConnSemaphore(max int) *connSemaphore {
	if max <= 0 {
		return &connSemaphore{}
	}
	return &connSemaphore{ch: make(chan struct{}, max)}
}

func (s *connSemaphore) tryAcquire() bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *connSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
