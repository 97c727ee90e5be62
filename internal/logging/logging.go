package logging

import (
	"go.uber.org/zap"
)

// New creates the structured logger used across the service.
func New(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithEntry returns a logger scoped to a single location entry.
func WithEntry(logger *zap.Logger, entryID string) *zap.Logger {
	return logger.With(zap.String("entry_id", entryID))
}
