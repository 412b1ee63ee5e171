package degraded

import (
	"log/slog"
)

// Notifier receives state-transition notifications. Implementations
// are fire-and-forget: the manager never blocks on or retries a
// notification, and a failing notifier must not affect decisions.
type Notifier interface {
	Notify(active bool, triggers []string)
}

// LogNotifier is the default notifier, writing transitions to the
// structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(active bool, triggers []string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if active {
		logger.Warn("degraded mode notification", "state", "active", "triggers", triggers)
		return
	}
	logger.Info("degraded mode notification", "state", "inactive")
}
