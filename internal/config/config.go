package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	KeyPort                = "PORT"
	KeyEnv                 = "ENV"
	KeyAccessKey           = "BACKEND_ACCESS_KEY"
	KeyAllowedOrigin       = "ALLOWED_ORIGIN"
	KeyUploadsDir          = "UPLOADS_DIR"
	KeyMaxUploadBytes      = "MAX_UPLOAD_BYTES"
	KeyMaxMessageBytes     = "MAX_MESSAGE_BYTES"
	KeyOutboundBufferBytes = "OUTBOUND_BUFFER_BYTES"
	KeyOutboundQueueLen    = "OUTBOUND_QUEUE_LEN"

	KeyRelayURL  = "RELAY_URL"
	KeyDeviceID  = "DEVICE_ID"
	KeyStorePath = "STORE_PATH"
)

// Config holds the relay server configuration.
type Config struct {
	Port          string
	Env           string
	AccessKey     string // empty means the relay is open
	AllowedOrigin string // empty means any origin

	UploadsDir     string
	MaxUploadBytes int

	MaxMessageBytes     int64
	OutboundBufferBytes int64
	OutboundQueueLen    int
}

// ClientConfig holds the device-side configuration.
type ClientConfig struct {
	RelayURL  string
	DeviceID  string
	AccessKey string
	StorePath string
}

// New returns a viper instance with defaults applied and the environment
// bound. A .env file in the working directory is loaded first if present.
func New() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyPort, "3000")
	v.SetDefault(KeyEnv, "development")
	v.SetDefault(KeyAccessKey, "")
	v.SetDefault(KeyAllowedOrigin, "")
	v.SetDefault(KeyUploadsDir, "./uploads")
	v.SetDefault(KeyMaxUploadBytes, 200*1024*1024)
	v.SetDefault(KeyMaxMessageBytes, 10*1024*1024)
	v.SetDefault(KeyOutboundBufferBytes, 64*1024*1024)
	v.SetDefault(KeyOutboundQueueLen, 256)

	v.SetDefault(KeyRelayURL, "ws://localhost:3000/ws")
	v.SetDefault(KeyDeviceID, "")
	v.SetDefault(KeyStorePath, "./groupchat.db")
	return v
}

// Load reads the relay configuration from v.
func Load(v *viper.Viper) *Config {
	return &Config{
		Port:                v.GetString(KeyPort),
		Env:                 v.GetString(KeyEnv),
		AccessKey:           v.GetString(KeyAccessKey),
		AllowedOrigin:       v.GetString(KeyAllowedOrigin),
		UploadsDir:          v.GetString(KeyUploadsDir),
		MaxUploadBytes:      v.GetInt(KeyMaxUploadBytes),
		MaxMessageBytes:     v.GetInt64(KeyMaxMessageBytes),
		OutboundBufferBytes: v.GetInt64(KeyOutboundBufferBytes),
		OutboundQueueLen:    v.GetInt(KeyOutboundQueueLen),
	}
}

// LoadClient reads the device configuration from v.
func LoadClient(v *viper.Viper) *ClientConfig {
	return &ClientConfig{
		RelayURL:  v.GetString(KeyRelayURL),
		DeviceID:  v.GetString(KeyDeviceID),
		AccessKey: v.GetString(KeyAccessKey),
		StorePath: v.GetString(KeyStorePath),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Origins returns the CORS allow-list in the form fiber's cors middleware
// expects.
func (c *Config) Origins() string {
	if c.AllowedOrigin == "" {
		return "*"
	}
	return c.AllowedOrigin
}
