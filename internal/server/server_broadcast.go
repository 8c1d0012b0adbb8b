package server

import (
	"strings"

	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/events"
)

// lineBreaks flattens embedded line terminators so one operator line is
// always exactly one frame on the wire.
var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// Broadcast sends line to every connected peer and returns how many peers
// received it.
//
// An empty line, or a server that is not Running, makes this a no-op.
// Peers whose write fails are dropped and reported after the registry lock
// has been released; delivery to the remaining peers is unaffected.
func (s *Server) Broadcast(line string) int {
	line = lineBreaks.Replace(line)
	if line == "" || !s.Running() {
		return 0
	}

	s.sink.Emit(events.Info("BROADCAST: %s", line))

	delivered, failed := s.broadcastAll(line)
	for _, f := range failed {
		s.sink.Emit(events.Warning(apperrors.CodeTransportWriteFailed,
			"dropping client %s: %v", f.ch.PeerAddr, f.err))
	}
	return delivered
}
