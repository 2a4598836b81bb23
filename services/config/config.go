// Package config publishes the device configuration embedded in the
// firmware. Each top-level key of the device's YAML document is published
// retained on config/<key>; known keys are decoded to their typed form.
package config

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"audiocode-go/bus"
	"audiocode-go/internal/logging"
	"audiocode-go/types"
)

const (
	serviceName  = "config"
	configPrefix = "config"
	CtxDeviceKey = "device" // context key used for device ID
)

//go:embed configs/*.yaml
var embedded embed.FS

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, err := embedded.ReadFile("configs/" + device + ".yaml")
	return b, err == nil
}

// Devices lists the embedded device configurations.
func Devices() []string {
	ents, _ := embedded.ReadDir("configs")
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return out
}

var (
	ErrNoDevice = errors.New("missing device ID in context")
	ErrNoConfig = errors.New("no embedded config")
)

// Decode parses a device document. Known top-level keys (hal, recorder,
// uplink, heartbeat, log) decode into their typed structs; anything else
// stays generic.
func Decode(raw []byte) (map[string]any, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	out := make(map[string]any, len(doc))
	for k, node := range doc {
		var (
			v   any
			err error
		)
		switch k {
		case "hal":
			v, err = decodeAs[types.HALConfig](&node)
		case "recorder":
			v, err = decodeAs[types.RecorderConfig](&node)
		case "uplink":
			v, err = decodeAs[types.UplinkConfig](&node)
		case "heartbeat":
			v, err = decodeAs[types.HeartbeatConfig](&node)
		case "log":
			v, err = decodeAs[logging.Config](&node)
		default:
			var g any
			err = node.Decode(&g)
			v = g
		}
		if err != nil {
			return nil, fmt.Errorf("config %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func decodeAs[T any](n *yaml.Node) (T, error) {
	var v T
	err := n.Decode(&v)
	return v, err
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name string
	log  *slog.Logger
}

func NewConfigService(logger *slog.Logger) *ConfigService {
	return &ConfigService{Name: serviceName, log: logging.Default(logger).With("component", serviceName)}
}

// publishConfig decodes the device's embedded document and publishes each
// key as a retained message.
func (s *ConfigService) publishConfig(ctx context.Context, conn *bus.Connection) error {
	device, _ := ctx.Value(CtxDeviceKey).(string)
	if device == "" {
		return ErrNoDevice
	}
	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return fmt.Errorf("%w for device %q", ErrNoConfig, device)
	}
	m, err := Decode(raw)
	if err != nil {
		return err
	}
	for k, v := range m {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), v, true))
	}
	s.log.Info("config published", "device", device, "keys", len(m))
	return nil
}

// Start launches the config publisher in a goroutine.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if err := s.publishConfig(ctx, conn); err != nil {
			s.log.Error("config publish failed", "err", err)
		}
	}()
}
