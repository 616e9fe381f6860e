package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes each event as JSON on "<subject>.<event name>".
type NATSSink struct {
	pub     Publisher
	subject string
	logger  *zap.Logger
}

func NewNATSSink(pub Publisher, subject string, logger *zap.Logger) *NATSSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{pub: pub, subject: subject, logger: logger.Named("nats")}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

func (s *NATSSink) Emit(name string, payload map[string]any) {
	evt := newEvent(name, payload)
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("encoding event", zap.String("event", name), zap.Error(err))
		return
	}
	subject := s.subject + "." + name
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.Warn("publishing event", zap.String("subject", subject), zap.Error(err))
	}
}
