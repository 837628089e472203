package pool

import (
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/transport"
	"github.com/google/uuid"
)

// socket is one transport connection and the subscriptions it carries. All fields except
// conn are guarded by the manager lock.
type socket struct {
	serial int
	id     uuid.UUID
	conn   transport.Conn

	// order holds the socket's subscriptions in assignment order; its length is the
	// capacity used against MaxSocketSubs.
	order []domain.Subscription

	// sent is the sliding log of request timestamps inside RequestWindow.
	sent     []time.Time
	deferred int

	connected     bool
	everConnected bool
	ready         chan struct{}
	err           error
	stopPing      chan struct{}
}

func newSocket(serial int) *socket {
	return &socket{
		serial: serial,
		id:     uuid.New(),
		ready:  make(chan struct{}),
	}
}

// Send satisfies venue.Sender.
func (s *socket) Send(data []byte) error {
	return s.conn.Send(data)
}

// available reports whether a new subscription may be placed here. A socket still waiting
// for its first session is a valid target so concurrent callers share it.
func (s *socket) available(limit int) bool {
	if s.everConnected && !s.connected {
		return false
	}
	return limit <= 0 || len(s.order) < limit
}

func (s *socket) remove(sub domain.Subscription) {
	for i, o := range s.order {
		if o == sub {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// prune drops log entries that left the window and returns how many remain.
func (s *socket) prune(now time.Time, window time.Duration) int {
	cut := 0
	for cut < len(s.sent) && now.Sub(s.sent[cut]) >= window {
		cut++
	}
	if cut > 0 {
		s.sent = append(s.sent[:0], s.sent[cut:]...)
	}
	return len(s.sent)
}

func (s *socket) markReady(err error) {
	select {
	case <-s.ready:
	default:
		s.err = err
		close(s.ready)
	}
}

func (s *socket) haltPing() {
	if s.stopPing != nil {
		close(s.stopPing)
		s.stopPing = nil
	}
}
