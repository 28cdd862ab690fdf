package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/classb-node/internal/api"
	"github.com/lorawan-node/classb-node/internal/config"
	"github.com/lorawan-node/classb-node/internal/device"
	"github.com/lorawan-node/classb-node/internal/integration"
	"github.com/lorawan-node/classb-node/internal/mac"
	"github.com/lorawan-node/classb-node/internal/networksim"
	"github.com/lorawan-node/classb-node/internal/radio"
	"github.com/lorawan-node/classb-node/internal/storage"
	"github.com/lorawan-node/classb-node/internal/telemetry"
	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

func main() {
	// 命令行参数
	var configPath = flag.String("config", "config/class-b-node.yml", "配置文件路径")
	var validateOnly = flag.Bool("validate", false, "仅验证配置文件")
	var showConfig = flag.Bool("show-config", false, "显示配置并退出")
	flag.Parse()

	// 设置日志
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load config")
	}

	// 设置日志级别
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("config ok")
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("dev_eui", cfg.Node.ParsedDevEUI.String()).
		Msg("Class B node starting")

	region := lorawan.GetRegionConfiguration(cfg.Node.Region)

	// 事件与帧历史存储, 无DSN时退化为内存环
	var store storage.Store
	if cfg.Database.DSN != "" {
		store, err = storage.NewPostgresStore(cfg.Database.DSN, storage.PostgresOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect database")
		}
	} else {
		store = storage.NewMemoryStore(1000)
	}
	defer store.Close()

	// NATS既是虚拟射频也是集成总线
	var nc *nats.Conn
	if cfg.Radio.Type == "nats" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.Name),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect NATS")
		}
		defer nc.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link, err := buildLink(ctx, cfg, region, nc)
	if err != nil {
		log.Fatal().Err(err).Str("type", cfg.Radio.Type).Msg("Failed to build radio link")
	}
	defer link.Close()

	sensors := telemetry.DefaultSensors()

	engine := mac.NewRadioEngine(mac.EngineConfig{
		DevEUI:   cfg.Node.ParsedDevEUI,
		JoinEUI:  cfg.Node.ParsedJoinEUI,
		AppKey:   cfg.Node.ParsedAppKey,
		NwkSKey:  cfg.Node.ParsedNwkSKey,
		AppSKey:  cfg.Node.ParsedAppSKey,
		Region:   region,
		Datarate: cfg.Node.DataRate,
		Sensors: mac.SensorCallbacks{
			BatteryLevel:     sensors.BatteryLevel,
			TemperatureLevel: sensors.Temperature,
		},
	}, link)
	defer engine.Close()

	// 控制API启用时才建实时订阅中枢
	var hub *api.Hub
	var broadcaster integration.Broadcaster
	if cfg.API.Enabled {
		hub = api.NewHub()
		broadcaster = hub
	}

	publisher := integration.NewPublisher(cfg.Node.ParsedDevEUI, nc, cfg.MQTT, store, broadcaster)
	go publisher.Start(ctx)

	var payload device.PayloadBuilder
	if cfg.Node.PayloadMode == "sensors" {
		payload = telemetry.NewSensorsBuilder(sensors)
	} else {
		payload = telemetry.NewStaticBuilder(nil)
	}

	activation := device.ActivationOTAA
	if cfg.Node.Activation == "abp" {
		activation = device.ActivationABP
	}

	discovery := device.StateReqDeviceTime
	if cfg.Node.DiscoveryEntry == "beacon_timing" {
		discovery = device.StateReqBeaconTiming
	}

	dev := device.New(device.Config{
		Name:                cfg.Node.Name,
		DevEUI:              cfg.Node.ParsedDevEUI,
		Region:              region,
		Activation:          activation,
		NetID:               cfg.Node.ParsedNetID,
		DevAddr:             cfg.Node.ParsedDevAddr,
		NwkSKey:             cfg.Node.ParsedNwkSKey,
		AppSKey:             cfg.Node.ParsedAppSKey,
		Port:                cfg.Node.Port,
		Confirmed:           cfg.Node.Confirmed,
		JoinTrials:          int(cfg.Node.JoinTrials),
		Datarate:            cfg.Node.DataRate,
		ADR:                 *cfg.Node.ADR,
		PublicNetwork:       *cfg.Node.PublicNetwork,
		PingSlotPeriodicity: cfg.Node.PingSlotPeriodicity,
		DiscoveryEntry:      discovery,
		TxInterval:          cfg.Scheduler.TxInterval,
		TxJitter:            cfg.Scheduler.TxJitter,
	}, engine, payload, publisher)

	var restServer *api.RESTServer
	if cfg.API.Enabled {
		restServer = api.NewRESTServer(cfg, store, dev, hub)
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			if err := restServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Control API server failed")
				cancel()
			}
		}()
	}

	// 控制环协程
	go func() {
		if err := dev.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Control loop stopped")
		}
		cancel()
	}()

	// 处理系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	if restServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := restServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Control API shutdown failed")
		}
		shutdownCancel()
	}

	log.Info().Msg("Class B node stopped")
}

// buildLink constructs the configured radio link. Loopback embeds the
// network emulator in-process for bench runs without any transport.
func buildLink(ctx context.Context, cfg *config.Config, region *lorawan.RegionConfiguration, nc *nats.Conn) (radio.Link, error) {
	switch cfg.Radio.Type {
	case "nats":
		return radio.NewNATSLink(nc, cfg.Node.ParsedDevEUI)

	case "serial":
		return radio.NewSerialLink(cfg.Radio.Serial.Port, cfg.Radio.Serial.BaudRate)

	case "loopback":
		devEnd, netEnd := radio.NewLoopbackPair()

		devStatusEvery := cfg.Sim.DevStatusEvery
		if devStatusEvery < 0 {
			devStatusEvery = 0
		}
		core := networksim.NewCore(networksim.Config{
			NetID:          cfg.Node.ParsedNetID,
			AppKey:         cfg.Node.ParsedAppKey,
			NwkSKey:        cfg.Node.ParsedNwkSKey,
			AppSKey:        cfg.Node.ParsedAppSKey,
			Region:         region,
			DevAddrBase:    cfg.Sim.ParsedDevAddrBase,
			DenyJoins:      cfg.Sim.DenyJoins,
			BeaconInterval: cfg.Sim.BeaconInterval,
			DevStatusEvery: devStatusEvery,
			LinkMargin:     cfg.Sim.LinkMargin,
			GatewayCount:   cfg.Sim.GatewayCount,
		})

		go networksim.ServeLink(ctx, core, netEnd, networksim.ServerConfig{
			BeaconInterval: cfg.Sim.BeaconInterval,
			RX1Delay:       cfg.Sim.RX1Delay,
		})

		return devEnd, nil

	default:
		return nil, fmt.Errorf("unknown radio type: %s", cfg.Radio.Type)
	}
}
