package venuetest

import (
	"sync"

	"github.com/fushengyk/marketstream/internal/domain"
)

// Session is an in-memory venue.Session for adapter tests.
type Session struct {
	mu      sync.Mutex
	markets map[domain.SubscriptionType]map[string]domain.Market
	sent    [][]byte
	events  []domain.Event
	SendErr error
}

func NewSession() *Session {
	return &Session{markets: make(map[domain.SubscriptionType]map[string]domain.Market)}
}

// Hold marks m as subscribed for typ.
func (s *Session) Hold(typ domain.SubscriptionType, m domain.Market) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markets[typ] == nil {
		s.markets[typ] = make(map[string]domain.Market)
	}
	s.markets[typ][m.ID] = m
	return s
}

func (s *Session) Send(data []byte) error {
	if s.SendErr != nil {
		return s.SendErr
	}
	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *Session) Market(typ domain.SubscriptionType, remoteID string) (domain.Market, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[typ][remoteID]
	return m, ok
}

func (s *Session) Emit(ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// Sent returns every payload written so far as strings.
func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, b := range s.sent {
		out[i] = string(b)
	}
	return out
}

func (s *Session) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}
