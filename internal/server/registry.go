package server

// The subscriber registry. Every function here takes s.mu for the whole
// mutation or traversal, which is what makes a broadcast see a consistent
// snapshot: channels added after the lock is taken miss that line, and a
// channel being removed is either fully present or fully gone.

// addChannel registers ch. It refuses (returns false) once the server has
// left the Running state, so a connection accepted during shutdown can
// never land in a registry that was already cleared.
func (s *Server) addChannel(ch *Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return false
	}
	s.channels[ch] = struct{}{}
	return true
}

// removeChannel deregisters ch. Removing an absent channel is a no-op;
// the return value reports whether ch was present.
func (s *Server) removeChannel(ch *Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch]; !ok {
		return false
	}
	delete(s.channels, ch)
	return true
}

// failedWrite records a channel that was dropped during a broadcast.
type failedWrite struct {
	ch  *Channel
	err error
}

// broadcastAll writes line to every registered channel. A channel whose
// write fails is removed and closed; the rest still receive the line.
// Returns the number of successful deliveries and the dropped channels.
func (s *Server) broadcastAll(line string) (int, []failedWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return 0, nil
	}

	delivered := 0
	var failed []failedWrite
	for ch := range s.channels {
		if err := ch.writeLine(line); err != nil {
			delete(s.channels, ch)
			ch.Close()
			failed = append(failed, failedWrite{ch: ch, err: err})
			continue
		}
		delivered++
	}
	return delivered, failed
}

// closeAndClearAllLocked closes every channel and empties the registry.
// The caller must hold s.mu.
func (s *Server) closeAndClearAllLocked() int {
	n := len(s.channels)
	for ch := range s.channels {
		ch.Close()
	}
	s.channels = make(map[*Channel]struct{})
	return n
}

// ClientCount returns the number of registered peers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}
