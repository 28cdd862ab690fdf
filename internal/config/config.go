package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

// Config represents the node runtime configuration
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Radio     RadioConfig     `yaml:"radio"`
	NATS      NATSConfig      `yaml:"nats"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	JWT       JWTConfig       `yaml:"jwt"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Sim       SimConfig       `yaml:"sim"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig represents the end-device identity and MAC defaults
type NodeConfig struct {
	Name       string `yaml:"name"`
	Region     string `yaml:"region"`     // CN470 | EU868 | US915
	Activation string `yaml:"activation"` // otaa | abp

	// 设备标识与密钥,全部为hex字符串
	DevEUI  string `yaml:"dev_eui"`
	JoinEUI string `yaml:"join_eui"`
	AppKey  string `yaml:"app_key"`

	// 静态激活(abp)参数,otaa下会话密钥同样取自这里
	NetID   string `yaml:"net_id"`
	DevAddr string `yaml:"dev_addr"`
	NwkSKey string `yaml:"nwk_s_key"`
	AppSKey string `yaml:"app_s_key"`

	Port                uint8  `yaml:"port"`
	PayloadMode         string `yaml:"payload_mode"` // static | sensors
	Confirmed           bool   `yaml:"confirmed"`
	JoinTrials          uint8  `yaml:"join_trials"`
	ADR                 *bool  `yaml:"adr"`
	PublicNetwork       *bool  `yaml:"public_network"`
	DataRate            int    `yaml:"data_rate"`
	PingSlotPeriodicity uint8  `yaml:"ping_slot_periodicity"`
	DiscoveryEntry      string `yaml:"discovery_entry"` // device_time | beacon_timing

	// 解析后的类型化字段,Load时填充
	ParsedDevEUI  lorawan.EUI64     `yaml:"-"`
	ParsedJoinEUI lorawan.EUI64     `yaml:"-"`
	ParsedAppKey  lorawan.AES128Key `yaml:"-"`
	ParsedDevAddr lorawan.DevAddr   `yaml:"-"`
	ParsedNwkSKey lorawan.AES128Key `yaml:"-"`
	ParsedAppSKey lorawan.AES128Key `yaml:"-"`
	ParsedNetID   [3]byte           `yaml:"-"`
}

// SchedulerConfig represents the uplink duty-cycle settings
type SchedulerConfig struct {
	TxInterval time.Duration `yaml:"tx_interval"`
	TxJitter   time.Duration `yaml:"tx_jitter"`
}

// RadioConfig represents the radio link selection
type RadioConfig struct {
	Type   string       `yaml:"type"` // nats | serial | loopback
	Serial SerialConfig `yaml:"serial"`
}

// SerialConfig represents serial modem settings
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Name              string        `yaml:"name"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the optional MQTT integration
type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPattern string `yaml:"topic_pattern"` // %s替换为DevEUI
	QoS          byte   `yaml:"qos"`
}

// APIConfig represents the control API configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// AuthConfig represents the single operator credential
type AuthConfig struct {
	OperatorPasswordHash string `yaml:"operator_password_hash"` // bcrypt
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SimConfig represents the network emulator settings, only read by the
// network-sim binary
type SimConfig struct {
	DevAddrBase    string        `yaml:"dev_addr_base"` // hex, 首个分配的设备地址
	DenyJoins      bool          `yaml:"deny_joins"`
	BeaconInterval time.Duration `yaml:"beacon_interval"`
	RX1Delay       time.Duration `yaml:"rx1_delay"`
	DevStatusEvery int           `yaml:"dev_status_every"` // 每N个上行要一次设备状态, -1关闭
	LinkMargin     uint8         `yaml:"link_margin"`
	GatewayCount   uint8         `yaml:"gateway_count"`

	ParsedDevAddrBase uint32 `yaml:"-"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()

	// 验证并填充节点默认值
	if err := cfg.validateAndSetNodeDefaults(); err != nil {
		return nil, fmt.Errorf("node config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	// 节点环境变量覆盖
	if devEUI := os.Getenv("NODE_DEV_EUI"); devEUI != "" {
		c.Node.DevEUI = devEUI
	}

	if serialPort := os.Getenv("NODE_SERIAL_PORT"); serialPort != "" {
		c.Radio.Serial.Port = serialPort
	}
}

// validateAndSetNodeDefaults 验证节点配置并设置默认值
func (c *Config) validateAndSetNodeDefaults() error {
	if c.Node.Name == "" {
		c.Node.Name = "class-b-node"
	}

	// 区域默认CN470,和原硬件一致
	if c.Node.Region == "" {
		c.Node.Region = "CN470"
	}
	switch c.Node.Region {
	case "CN470", "EU868", "US915":
		// 有效区域
	default:
		return fmt.Errorf("invalid region: %s", c.Node.Region)
	}

	if c.Node.Activation == "" {
		c.Node.Activation = "otaa"
	}
	switch c.Node.Activation {
	case "otaa", "abp":
		// 有效激活方式
	default:
		return fmt.Errorf("invalid activation mode: %s", c.Node.Activation)
	}

	// 设备标识默认值
	if c.Node.DevEUI == "" {
		c.Node.DevEUI = "70b3d57ed006d020"
	}
	if c.Node.JoinEUI == "" {
		c.Node.JoinEUI = "0000000000000000"
	}
	if c.Node.AppKey == "" {
		c.Node.AppKey = "5258cf37805dfd3b7ea72491af3d6023"
	}
	if c.Node.NetID == "" {
		c.Node.NetID = "000000"
	}
	if c.Node.DevAddr == "" {
		c.Node.DevAddr = "007e6ae1"
	}
	if c.Node.NwkSKey == "" {
		c.Node.NwkSKey = "2b7e151628aed2a6abf7158809cf4f3c"
	}
	if c.Node.AppSKey == "" {
		c.Node.AppSKey = "2b7e151628aed2a6abf7158809cf4f3c"
	}

	if err := c.parseNodeIdentity(); err != nil {
		return err
	}

	if c.Node.Port == 0 {
		c.Node.Port = 2
	}

	if c.Node.PayloadMode == "" {
		c.Node.PayloadMode = "static"
	}
	switch c.Node.PayloadMode {
	case "static", "sensors":
		// 有效负载模式
	default:
		return fmt.Errorf("invalid payload mode: %s", c.Node.PayloadMode)
	}

	if c.Node.JoinTrials == 0 {
		c.Node.JoinTrials = 8
	}

	// ADR和公网标志默认开启
	if c.Node.ADR == nil {
		adr := true
		c.Node.ADR = &adr
	}
	if c.Node.PublicNetwork == nil {
		public := true
		c.Node.PublicNetwork = &public
	}

	region := lorawan.GetRegionConfiguration(c.Node.Region)
	if err := region.ValidateDataRate(c.Node.DataRate); err != nil {
		return err
	}

	if c.Node.PingSlotPeriodicity > 7 {
		return fmt.Errorf("invalid ping slot periodicity: %d", c.Node.PingSlotPeriodicity)
	}

	if c.Node.DiscoveryEntry == "" {
		c.Node.DiscoveryEntry = "device_time"
	}
	switch c.Node.DiscoveryEntry {
	case "device_time", "beacon_timing":
		// 有效入口
	default:
		return fmt.Errorf("invalid discovery entry: %s", c.Node.DiscoveryEntry)
	}

	// 调度默认值,30s基础间隔加5s抖动
	if c.Scheduler.TxInterval == 0 {
		c.Scheduler.TxInterval = 30 * time.Second
	}
	if c.Scheduler.TxJitter == 0 {
		c.Scheduler.TxJitter = 5 * time.Second
	}

	if c.Radio.Type == "" {
		c.Radio.Type = "nats"
	}
	switch c.Radio.Type {
	case "nats", "serial", "loopback":
		// 有效链路类型
	default:
		return fmt.Errorf("invalid radio type: %s", c.Radio.Type)
	}

	if c.Radio.Type == "serial" {
		if c.Radio.Serial.Port == "" {
			return fmt.Errorf("serial radio requires a port")
		}
		if c.Radio.Serial.BaudRate == 0 {
			c.Radio.Serial.BaudRate = 115200
		}
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = c.Node.Name
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt enabled without broker")
		}
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = c.Node.Name
		}
		if c.MQTT.TopicPattern == "" {
			c.MQTT.TopicPattern = "node/%s/event"
		}
	}

	if c.API.Enabled {
		if c.API.Host == "" {
			c.API.Host = "0.0.0.0"
		}
		if c.API.Port == 0 {
			c.API.Port = 8080
		}
		if c.JWT.Secret == "" {
			return fmt.Errorf("api enabled without jwt secret")
		}
		if c.Auth.OperatorPasswordHash == "" {
			return fmt.Errorf("api enabled without operator password hash")
		}
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}

	// 信标周期默认128s, 与LoRaWAN Class B规范一致
	if c.Sim.BeaconInterval == 0 {
		c.Sim.BeaconInterval = 128 * time.Second
	}
	if c.Sim.RX1Delay == 0 {
		c.Sim.RX1Delay = time.Second
	}
	if c.Sim.DevStatusEvery == 0 {
		c.Sim.DevStatusEvery = 8
	}
	if c.Sim.DevAddrBase != "" {
		base, err := strconv.ParseUint(c.Sim.DevAddrBase, 16, 32)
		if err != nil {
			return fmt.Errorf("sim dev_addr_base: %w", err)
		}
		c.Sim.ParsedDevAddrBase = uint32(base)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	return nil
}

// parseNodeIdentity 把hex字符串解析为类型化字段
func (c *Config) parseNodeIdentity() error {
	var err error

	if c.Node.ParsedDevEUI, err = lorawan.ParseEUI64(c.Node.DevEUI); err != nil {
		return fmt.Errorf("dev_eui: %w", err)
	}

	if c.Node.ParsedJoinEUI, err = lorawan.ParseEUI64(c.Node.JoinEUI); err != nil {
		return fmt.Errorf("join_eui: %w", err)
	}

	if c.Node.ParsedAppKey, err = lorawan.ParseAES128Key(c.Node.AppKey); err != nil {
		return fmt.Errorf("app_key: %w", err)
	}

	if c.Node.ParsedDevAddr, err = lorawan.ParseDevAddr(c.Node.DevAddr); err != nil {
		return fmt.Errorf("dev_addr: %w", err)
	}

	if c.Node.ParsedNwkSKey, err = lorawan.ParseAES128Key(c.Node.NwkSKey); err != nil {
		return fmt.Errorf("nwk_s_key: %w", err)
	}

	if c.Node.ParsedAppSKey, err = lorawan.ParseAES128Key(c.Node.AppSKey); err != nil {
		return fmt.Errorf("app_s_key: %w", err)
	}

	netID, err := hex.DecodeString(c.Node.NetID)
	if err != nil {
		return fmt.Errorf("net_id: %w", err)
	}
	if len(netID) != 3 {
		return fmt.Errorf("invalid net_id length: %d", len(netID))
	}
	copy(c.Node.ParsedNetID[:], netID)

	return nil
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== Class B Node Configuration ===\n")
	fmt.Printf("Node: %s\n", c.Node.Name)
	fmt.Printf("Region: %s\n", c.Node.Region)
	fmt.Printf("Activation: %s\n", c.Node.Activation)
	fmt.Printf("DevEUI: %s\n", c.Node.ParsedDevEUI)
	fmt.Printf("Data Rate: DR%d  Port: %d  Confirmed: %v\n",
		c.Node.DataRate, c.Node.Port, c.Node.Confirmed)
	fmt.Printf("Payload Mode: %s\n", c.Node.PayloadMode)
	fmt.Printf("TX Cycle: %s + [0,%s)\n", c.Scheduler.TxInterval, c.Scheduler.TxJitter)
	fmt.Printf("Ping Slot Periodicity: %d\n", c.Node.PingSlotPeriodicity)
	fmt.Printf("Discovery Entry: %s\n", c.Node.DiscoveryEntry)
	fmt.Printf("Radio: %s\n", c.Radio.Type)

	switch c.Radio.Type {
	case "nats":
		fmt.Printf("  NATS URL: %s\n", c.NATS.URL)
	case "serial":
		fmt.Printf("  Serial Port: %s @ %d\n", c.Radio.Serial.Port, c.Radio.Serial.BaudRate)
	}

	if c.API.Enabled {
		fmt.Printf("Control API: %s:%d\n", c.API.Host, c.API.Port)
	} else {
		fmt.Printf("Control API: disabled\n")
	}

	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s qos=%d\n", c.MQTT.Broker, c.MQTT.QoS)
	}

	if c.Database.DSN != "" {
		fmt.Printf("Event Store: postgres\n")
	} else {
		fmt.Printf("Event Store: memory\n")
	}

	fmt.Printf("==================================\n")
}
