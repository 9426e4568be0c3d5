package chat

import (
	"errors"

	"github.com/pelusa-v/grouprelay/internal/metrics"
)

var (
	ErrDeviceIDRequired = errors.New("authentication error: deviceId required")
	ErrInvalidAccessKey = errors.New("authentication error: invalid access key")
)

// Gateway checks handshake credentials before a connection is upgraded.
type Gateway struct {
	accessKey string
}

// NewGateway returns a gateway. An empty accessKey leaves the relay open to any
// device that names itself.
func NewGateway(accessKey string) *Gateway {
	return &Gateway{accessKey: accessKey}
}

// Authenticate validates the credentials of one connection attempt.
// The key comparison is a plain string match; the key is a coarse deployment
// secret, not a per-user credential.
func (g *Gateway) Authenticate(deviceID, accessKey string) error {
	if deviceID == "" {
		metrics.AuthFailures.WithLabelValues("device_id").Inc()
		return ErrDeviceIDRequired
	}
	if g.accessKey != "" && accessKey != g.accessKey {
		metrics.AuthFailures.WithLabelValues("access_key").Inc()
		return ErrInvalidAccessKey
	}
	return nil
}

// RequiresKey reports whether a shared access key is configured.
func (g *Gateway) RequiresKey() bool {
	return g.accessKey != ""
}

// CheckKey validates only the shared key, for HTTP endpoints that have no
// device identity.
func (g *Gateway) CheckKey(accessKey string) error {
	if g.accessKey != "" && accessKey != g.accessKey {
		metrics.AuthFailures.WithLabelValues("access_key").Inc()
		return ErrInvalidAccessKey
	}
	return nil
}
