// Package bus carries intake events between Kestrel components.
package bus

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Bus types accepted in EventBusConfig.Type.
const (
	TypeChannel = "channel"
	TypeNATS    = "nats"
)

// New builds the event bus named by cfg.Type. An empty type means the
// in-process channel bus; "nats" connects to the configured server and
// joins cfg.NATSQueueGroup when set.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Type))
	if kind == "" {
		kind = TypeChannel
	}

	switch kind {
	case TypeChannel:
		b := NewChannelBus(cfg.ChannelBufferSize)
		slog.Info("event bus ready", "type", kind, "buffer", b.bufferSize)
		return b, nil

	case TypeNATS:
		b, err := NewNATSBus(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("event bus ready", "type", kind, "queue_group", cfg.NATSQueueGroup)
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported event bus type %q (want %q or %q)", cfg.Type, TypeChannel, TypeNATS)
	}
}
