package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/classb-node/internal/config"
	"github.com/lorawan-node/classb-node/internal/networksim"
	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

func main() {
	// 命令行参数
	var configPath = flag.String("config", "config/network-sim.yml", "配置文件路径")
	var validateOnly = flag.Bool("validate", false, "仅验证配置文件")
	flag.Parse()

	// 设置日志
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// 加载配置, 密钥与区域和节点共用同一份node段
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

	if *validateOnly {
		fmt.Println("config ok")
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("region", cfg.Node.Region).
		Bool("deny_joins", cfg.Sim.DenyJoins).
		Msg("Network emulator starting")

	// 连接NATS
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("network-sim"),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect NATS")
	}
	defer nc.Close()

	devStatusEvery := cfg.Sim.DevStatusEvery
	if devStatusEvery < 0 {
		devStatusEvery = 0
	}

	core := networksim.NewCore(networksim.Config{
		NetID:          cfg.Node.ParsedNetID,
		AppKey:         cfg.Node.ParsedAppKey,
		NwkSKey:        cfg.Node.ParsedNwkSKey,
		AppSKey:        cfg.Node.ParsedAppSKey,
		Region:         lorawan.GetRegionConfiguration(cfg.Node.Region),
		DevAddrBase:    cfg.Sim.ParsedDevAddrBase,
		DenyJoins:      cfg.Sim.DenyJoins,
		BeaconInterval: cfg.Sim.BeaconInterval,
		DevStatusEvery: devStatusEvery,
		LinkMargin:     cfg.Sim.LinkMargin,
		GatewayCount:   cfg.Sim.GatewayCount,
	})

	server := networksim.NewServer(core, nc, networksim.ServerConfig{
		BeaconInterval: cfg.Sim.BeaconInterval,
		RX1Delay:       cfg.Sim.RX1Delay,
	})

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start emulator")
	}

	// 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	server.Stop()
	log.Info().Msg("Network emulator stopped")
}
