package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user-supplied flag values prior to translation into
// runtime.Config, so main.go can validate and map.
type cliConfig struct {
	deviceName       string
	logLevel         string
	showVersion      bool
	commandQueueCap  uint
	responseQueueCap uint

	mqttBroker string
	mqttPrefix string

	securityEnabled bool
	pop             string

	shutdownTimeout time.Duration
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("iotd", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}

	fs.StringVar(&cfg.deviceName, "device-name", "iotcc-device", "Advertised BLE device name (Transport A)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	fs.UintVar(&cfg.commandQueueCap, "command-queue-capacity", 32, "Inbound command queue capacity")
	fs.UintVar(&cfg.responseQueueCap, "response-queue-capacity", 32, "Outbound response queue capacity")
	fs.StringVar(&cfg.mqttBroker, "mqtt-broker", "tcp://localhost:1883", "MQTT broker URL (Transport B)")
	fs.StringVar(&cfg.mqttPrefix, "mqtt-prefix", "dev/iotcc", "Topic prefix for Transport B")
	fs.BoolVar(&cfg.securityEnabled, "security1", false, "Enable the Security1 handshake on Transport B")
	fs.StringVar(&cfg.pop, "pop", "", "Proof-of-possession secret (required when -security1 is set)")
	fs.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	if cfg.commandQueueCap == 0 || cfg.responseQueueCap == 0 {
		return nil, errors.New("queue capacities must be > 0")
	}

	if cfg.securityEnabled && cfg.pop == "" {
		return nil, errors.New("-pop is required when -security1 is set")
	}

	return cfg, nil
}
