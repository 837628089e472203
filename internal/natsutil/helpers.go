package natsutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StreamManager is the part of nats.JetStreamContext stream bootstrap needs.
type StreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// EnsureStream creates or updates a NATS JetStream stream
func EnsureStream(js StreamManager, name string, subjects []string, maxAge time.Duration, logger *zap.SugaredLogger) error {
	if maxAge <= 0 {
		maxAge = 6 * time.Hour
	}
	config := &nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		Replicas: 1,
		MaxAge:   maxAge,
		Discard:  nats.DiscardOld, // When limit reached, discard oldest messages
	}

	stream, err := js.StreamInfo(name)
	if stream != nil && err == nil {
		// Stream exists, update its configuration
		if _, err := js.UpdateStream(config); err != nil {
			return fmt.Errorf("update stream %s: %w", name, err)
		}
		logger.Infof("✅ Updated stream: %s", name)
		return nil
	}
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	// Stream doesn't exist, create it
	if _, err := js.AddStream(config); err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	logger.Infof("✅ Created stream: %s", name)
	return nil
}

// EnsureStreams bootstraps the market-data and status streams.
func EnsureStreams(js StreamManager, maxAge time.Duration, logger *zap.SugaredLogger) error {
	if err := EnsureStream(js, domain.StreamMarket, domain.StreamMarketSubjects, maxAge, logger); err != nil {
		return err
	}
	return EnsureStream(js, domain.StreamStatus, domain.StreamStatusSubjects, maxAge, logger)
}
