package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// HTTPLoggingConfig configures HTTPLoggingPlugin. The name is kept from
// the original HTTP-endpoint design, but transaction summaries are
// published onto a Kafka topic rather than POSTed, so the gateway never
// blocks the response path on a downstream log collector being slow.
type HTTPLoggingConfig struct {
	Brokers      []string `json:"brokers"`
	Topic        string   `json:"topic"`
	BatchSize    int      `json:"batch_size"`
	BatchTimeout int      `json:"batch_timeout_ms"`
}

// DefaultHTTPLoggingConfig mirrors the original plugin's serde defaults,
// translated to the Kafka producer's equivalents.
func DefaultHTTPLoggingConfig() HTTPLoggingConfig {
	return HTTPLoggingConfig{
		Topic:        "ferrum.transactions",
		BatchSize:    100,
		BatchTimeout: 1000,
	}
}

// HTTPLoggingPlugin publishes one transaction summary per request onto a
// Kafka topic via an async writer; publish failures are logged and never
// surface to the client since the log hook already runs detached.
type HTTPLoggingPlugin struct {
	config HTTPLoggingConfig
	writer *kafka.Writer
}

// NewHTTPLoggingPlugin is a plugin.Factory.
func NewHTTPLoggingPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	cfg := DefaultHTTPLoggingConfig()
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("http_logging: invalid config: %w", err)
		}
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("http_logging: brokers must not be empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("http_logging: topic must not be empty")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: time.Duration(cfg.BatchTimeout) * time.Millisecond,
		Async:        true,
	}

	return &HTTPLoggingPlugin{config: cfg, writer: writer}, nil
}

func (p *HTTPLoggingPlugin) Name() string { return "http_logging" }

// Log implements plugin.LogHook.
func (p *HTTPLoggingPlugin) Log(ctx *plugin.RequestContext, resp *plugin.BackendResponse) {
	summary := buildTransactionSummary(ctx, resp)

	payload, err := json.Marshal(summary)
	if err != nil {
		log.Error().Err(err).Str("component", "http_logging").Msg("failed to marshal transaction summary")
		return
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(summary.ProxyID),
		Value: payload,
		Time:  summary.Timestamp,
	})
	if err != nil {
		log.Error().Err(err).Str("component", "http_logging").Msg("failed to publish transaction summary")
	}
}
