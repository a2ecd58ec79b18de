package classify

import (
	"strings"

	"go.uber.org/zap"
)

// Classifier decides whether a sender is a known automated notification
// source. The classification selects both the identity derivation path and
// the delivery payload shape.
type Classifier struct {
	senders []string
	logger  *zap.Logger
}

// NewClassifier creates a new sender classifier
func NewClassifier(senders []string, logger *zap.Logger) *Classifier {
	// Normalize addresses (lowercase)
	normalized := make([]string, len(senders))
	for i, sender := range senders {
		normalized[i] = strings.ToLower(strings.TrimSpace(sender))
	}

	if len(normalized) > 0 && logger != nil {
		logger.Info("Initialized sender classifier", zap.Strings("automated_senders", normalized))
	}

	return &Classifier{
		senders: normalized,
		logger:  logger,
	}
}

// IsAutomated checks if the sender address is a known automated source
func (c *Classifier) IsAutomated(from string) bool {
	if len(c.senders) == 0 {
		return false
	}

	addr := strings.ToLower(strings.TrimSpace(from))
	for _, sender := range c.senders {
		if sender == addr {
			if c.logger != nil {
				c.logger.Debug("Sender classified as automated", zap.String("sender", addr))
			}
			return true
		}
	}

	return false
}
