package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/beamio/config"
)

const defaultConnectTimeout = 10 * time.Second

func clientID(cfg config.MQTTConfig) string {
	if id := strings.TrimSpace(cfg.ClientID); id != "" {
		return id
	}
	return "beamio-" + uuid.NewString()
}

// buildClient constructs a configured client and establishes the initial connection.
func buildClient(ctx context.Context, cfg config.MQTTConfig, logger zerolog.Logger, onConnect paho.OnConnectHandler) (paho.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID(cfg))
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive.Duration > 0 {
		opts.SetKeepAlive(cfg.KeepAlive.Duration)
	}
	timeout := cfg.ConnectTimeout.Duration
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)
	if onConnect != nil {
		opts.OnConnect = onConnect
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt: connection lost")
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Info().Msg("mqtt: reconnecting")
	})

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// wait blocks until the token completes or ctx ends.
func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
