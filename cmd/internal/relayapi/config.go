package relayapi

import (
	"time"

	"relay/cmd/internal/env"
	"relay/cmd/internal/upload"
)

// Config controls the relay HTTP surface and pipeline limits.
type Config struct {
	MaxClockSkew     time.Duration
	NonceTTL         time.Duration
	MaxPayloadBytes  int64
	MaxMetadataBytes int64
	MaxRedeemBytes   int64
	SinkEndpoint     string
	ForwardTimeout   time.Duration
	TrustProxy       bool

	UploadRateMax    int
	UploadRateWindow time.Duration
	RedeemRateMax    int
	RedeemRateWindow time.Duration
}

// LoadConfigFromEnv loads relay config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	return Config{
		MaxClockSkew:     env.Duration("RELAY_MAX_CLOCK_SKEW", 300*time.Second),
		NonceTTL:         env.Duration("RELAY_NONCE_TTL", 10*time.Minute),
		MaxPayloadBytes:  env.Int64("RELAY_MAX_PAYLOAD_BYTES", 8<<20), // 8 MiB
		MaxMetadataBytes: env.Int64("RELAY_MAX_METADATA_BYTES", 64<<10),
		MaxRedeemBytes:   env.Int64("RELAY_MAX_REDEEM_BYTES", 4<<10),
		SinkEndpoint:     env.String("RELAY_SINK_ENDPOINT", ""),
		ForwardTimeout:   env.Duration("RELAY_FORWARD_TIMEOUT", 15*time.Second),
		TrustProxy:       env.Bool("RELAY_TRUST_PROXY", false),
		UploadRateMax:    env.Int("RELAY_UPLOAD_RATE_MAX", 30),
		UploadRateWindow: env.Duration("RELAY_UPLOAD_RATE_WINDOW", time.Minute),
		RedeemRateMax:    env.Int("RELAY_REDEEM_RATE_MAX", 5),
		RedeemRateWindow: env.Duration("RELAY_REDEEM_RATE_WINDOW", 15*time.Minute),
	}
}

// Upload returns the pipeline limits.
func (c Config) Upload() upload.Config {
	return upload.Config{
		MaxClockSkew:    c.MaxClockSkew,
		NonceTTL:        c.NonceTTL,
		MaxPayloadBytes: c.MaxPayloadBytes,
		SinkEndpoint:    c.SinkEndpoint,
	}
}
