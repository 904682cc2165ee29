package alerting

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/config"
)

// BuildRegistry registers every channel enabled in cfg.
func BuildRegistry(cfg config.ChannelsConfig, sendTimeout time.Duration, logger zerolog.Logger) (*Registry, error) {
	reg := NewRegistry()

	if cfg.Email.Enabled {
		reg.Register(NewEmailAdapter(cfg.Email, logger))
	}
	if cfg.Telegram.Enabled {
		reg.Register(NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.APIBase, sendTimeout, logger))
	}
	if cfg.Webhook.Enabled {
		reg.Register(NewWebhookAdapter(cfg.Webhook.Secret, sendTimeout, logger))
	}
	if cfg.Kafka.Enabled {
		adapter, err := NewKafkaAdapter(cfg.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka channel: %w", err)
		}
		reg.Register(adapter)
	}
	if cfg.Log.Enabled {
		reg.Register(NewLogAdapter(logger))
	}
	return reg, nil
}
