package server

import "time"

// alivenessSweep fires every AlivenessTestDelay: each connected entry
// either times out (disconnected, with retention) or is sent a fresh
// ALIVENESS_TEST; a send failure disconnects it the same as a timeout.
// The retention map is swept in the same pass, evicting and firing
// Destroy for any entry whose grace period has expired.
func (s *Server) alivenessSweep() {
	if time.Since(s.alivenessTimer) < s.opts.AlivenessTestDelay {
		return
	}
	s.alivenessTimer = time.Now()

	for _, e := range s.snapshotConnected() {
		if e.state == EntryDisconnected {
			continue
		}
		if time.Now().After(e.timeoutDeadline) {
			s.log.WithField("client_id", e.id).WithField("addr", e.addr).WithField("state", e.state).Warn("client timed out")
			s.disconnect(e, true)
			continue
		}
		if err := s.sendAlivenessTest(e); err != nil {
			s.disconnect(e, true)
		}
	}

	for id, e := range s.retained {
		if time.Now().After(e.timeoutDeadline) {
			delete(s.retained, id)
			s.destroyEntry(e)
		}
	}
}
