package pool

import (
	"fmt"
	"time"
)

// processActionLocked sends a's subscribe on s if the socket's rolling window has room,
// otherwise queues it. Requests already queued for s keep their place ahead of a.
func (m *Manager) processActionLocked(a *assignment, s *socket) []failure {
	if m.cfg.MaxRequestsPerSecond > 0 {
		if s.deferred > 0 || s.prune(m.now(), m.cfg.RequestWindow) >= m.cfg.MaxRequestsPerSecond {
			m.deferred = append(m.deferred, action{a: a, sock: s})
			s.deferred++
			m.metrics.deferredRequest()
			m.logger.Debugw("request deferred", "type", a.typ, "market", a.market.ID, "socket", s.serial)
			return nil
		}
	}
	return m.sendLocked(a, s)
}

func (m *Manager) sendLocked(a *assignment, s *socket) []failure {
	if m.cfg.MaxRequestsPerSecond > 0 {
		s.sent = append(s.sent, m.now())
	}
	err := m.feeds[a.typ].Subscribe(s, a.market.ID, a.assigned())
	m.metrics.sentRequest()
	if err != nil {
		a.ack.Resolve(err)
		return []failure{{market: a.market, err: fmt.Errorf("subscribe %s %s: %w", a.typ, a.market.ID, err)}}
	}
	a.sent = true
	a.ack.Resolve(nil)
	return nil
}

// current reports whether a queued action still describes a live, unsent subscription.
func (m *Manager) current(act action) bool {
	a := act.a
	return !a.sent && a.sock == act.sock && act.sock.connected && m.subs[a.typ][a.market.ID] == a
}

// flush re-drains the deferred queue in FIFO order. Actions that still do not fit stay
// queued; stale ones are dropped.
func (m *Manager) flush() {
	m.mu.Lock()
	queue := m.deferred
	m.deferred = nil
	for _, s := range m.sockets {
		s.deferred = 0
	}
	now := m.now()
	var failed []failure
	for _, act := range queue {
		if !m.current(act) {
			continue
		}
		s := act.sock
		if s.deferred > 0 || s.prune(now, m.cfg.RequestWindow) >= m.cfg.MaxRequestsPerSecond {
			m.deferred = append(m.deferred, act)
			s.deferred++
			continue
		}
		failed = append(failed, m.sendLocked(act.a, s)...)
	}
	m.mu.Unlock()
	m.report(failed)
}

func (m *Manager) runFlusher() {
	ticker := time.NewTicker(m.cfg.RequestWindow)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.flush()
		}
	}
}
