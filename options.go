package lynx

import (
	"log/slog"

	"github.com/ripkitten-co/lynx/internal/codecs"
)

type Option func(*storeConfig)

type storeConfig struct {
	codec        codecs.Codec
	logger       *slog.Logger
	maxBatchSize int
}

func defaultConfig() *storeConfig {
	return &storeConfig{
		codec:        codecs.NewJSONIter(),
		logger:       slog.Default(),
		maxBatchSize: 1000,
	}
}

// WithCodec replaces the JSON codec used for record bodies.
func WithCodec(c codecs.Codec) Option {
	return func(cfg *storeConfig) {
		cfg.codec = c
	}
}

// WithLogger sets the logger shared by the store, its daemons and mirrors.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *storeConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithMaxBatchSize caps the number of records accepted by SaveAll and
// DeleteAll. Zero or negative disables the cap.
func WithMaxBatchSize(n int) Option {
	return func(cfg *storeConfig) {
		cfg.maxBatchSize = n
	}
}
