package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-ble/ble/linux"

	"github.com/alxayo/go-iotcc/internal/iot/runtime"
	"github.com/alxayo/go-iotcc/internal/iot/security1"
	"github.com/alxayo/go-iotcc/internal/iot/service"
	"github.com/alxayo/go-iotcc/internal/iot/transport/pubsub"
	"github.com/alxayo/go-iotcc/internal/iot/transport/shortrange"
	"github.com/alxayo/go-iotcc/internal/logger"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag parse errors were already printed by the flag package;
		// validation errors from parseFlags exit without a message
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	device, err := linux.NewDevice()
	if err != nil {
		log.Error("failed to open BLE device", "error", err)
		os.Exit(1)
	}

	var transportAEvents func(shortrange.Event)
	peripheral, err := shortrange.NewBLEPeripheral(device, cfg.deviceName, func(ev shortrange.Event) {
		transportAEvents(ev)
	})
	if err != nil {
		log.Error("failed to set up BLE peripheral", "error", err)
		os.Exit(1)
	}

	var brokerEvents func(pubsub.Event)
	broker := pubsub.NewMQTTBroker(cfg.mqttBroker, cfg.deviceName, pubsub.DefaultConfig().ConnectTimeout, func(ev pubsub.Event) {
		brokerEvents(ev)
	})

	rtCfg := runtime.Config{
		CommandQueueCapacity:  int(cfg.commandQueueCap),
		ResponseQueueCapacity: int(cfg.responseQueueCap),
		Radio:                 peripheral,
		TransportA:            shortrange.DefaultConfig(),
		Broker:                broker,
		TransportB: pubsub.Config{
			Prefix:          cfg.mqttPrefix,
			SecurityEnabled: cfg.securityEnabled,
			ConnectTimeout:  pubsub.DefaultConfig().ConnectTimeout,
			BackoffInitial:  pubsub.DefaultConfig().BackoffInitial,
			BackoffMax:      pubsub.DefaultConfig().BackoffMax,
		},
		EnableSecurity1: cfg.securityEnabled,
		Security1:       security1.Config{PoP: cfg.pop},
		Services: service.Services{
			Schedule:       service.NewInMemorySchedule(),
			WifiScanner:    service.NewInMemoryWifi(),
			WifiConfigurer: service.NewInMemoryWifi(),
		},
		ShutdownTimeout: cfg.shutdownTimeout,
	}
	rtCfg.TransportA.DeviceName = cfg.deviceName

	rt, err := runtime.New(rtCfg)
	if err != nil {
		log.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	transportAEvents = rt.TransportA().Deliver
	brokerEvents = rt.TransportB().Deliver

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		log.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}
	log.Info("iotd started", "device_name", cfg.deviceName, "mqtt_broker", cfg.mqttBroker, "version", version)

	<-ctx.Done()
	log.Info("shutdown signal received")
	rt.Stop()
	log.Info("iotd stopped")
}
