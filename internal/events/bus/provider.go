package bus

import (
	"fmt"
	"strings"

	"github.com/jasonkneen/claudelet/internal/common/config"
	"github.com/jasonkneen/claudelet/internal/common/logger"
)

// Provide builds the configured bus implementation: NATS when a URL is set,
// otherwise the in-memory bus.
func Provide(cfg config.NATSConfig, log *logger.Logger) (Bus, func() error, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := NewNATSBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS bus: %w", err)
		}
		return natsBus, func() error { natsBus.Close(); return nil }, nil
	}
	memBus := NewMemoryBus(log)
	return memBus, func() error { memBus.Close(); return nil }, nil
}
