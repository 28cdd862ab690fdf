package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/classb-node/internal/config"
	"github.com/lorawan-node/classb-node/internal/models"
	"github.com/lorawan-node/classb-node/internal/storage"
	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

const (
	queueSize    = 256
	storeTimeout = 5 * time.Second
	mqttTimeout  = 5 * time.Second
)

// Broadcaster receives events for live subscribers
type Broadcaster interface {
	Broadcast(v interface{})
}

// Publisher 把设备事件和帧记录扇出到NATS, MQTT, 实时订阅和历史存储.
// 全部尽力而为, 任何下游故障都不会反灌控制环.
type Publisher struct {
	devEUI lorawan.EUI64

	nc    *nats.Conn
	mqtt  mqtt.Client
	store storage.Store
	hub   Broadcaster

	subjectEvent string
	subjectFrame string
	topicEvent   string
	topicFrame   string
	qos          byte

	queue chan item
}

type item struct {
	event *models.DeviceEvent
	frame *models.FrameLog
}

// NewPublisher creates the fan-out publisher. nc, store and hub may each
// be nil; the MQTT client connects only when the config enables it.
func NewPublisher(devEUI lorawan.EUI64, nc *nats.Conn, mqttCfg config.MQTTConfig, store storage.Store, hub Broadcaster) *Publisher {
	p := &Publisher{
		devEUI:       devEUI,
		nc:           nc,
		store:        store,
		hub:          hub,
		subjectEvent: fmt.Sprintf("node.%s.event", devEUI),
		subjectFrame: fmt.Sprintf("node.%s.frame", devEUI),
		qos:          mqttCfg.QoS,
		queue:        make(chan item, queueSize),
	}

	if mqttCfg.Enabled {
		pattern := mqttCfg.TopicPattern
		if pattern == "" {
			pattern = "classb/%s"
		}
		base := pattern
		if strings.Contains(pattern, "%s") {
			base = fmt.Sprintf(pattern, devEUI)
		}
		p.topicEvent = base + "/event"
		p.topicFrame = base + "/frame"
		p.mqtt = connectMQTT(mqttCfg, devEUI)
	}

	return p
}

// connectMQTT dials the broker in the background; the paho client keeps
// retrying and reconnecting on its own.
func connectMQTT(cfg config.MQTTConfig, devEUI lorawan.EUI64) mqtt.Client {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("classb-node-%s", devEUI)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	client.Connect()
	return client
}

// PublishEvent queues an event for fan-out. Never blocks; a full queue
// drops the entry.
func (p *Publisher) PublishEvent(event models.DeviceEvent) {
	select {
	case p.queue <- item{event: &event}:
	default:
		log.Warn().Str("type", string(event.Type)).Msg("Integration queue full, event dropped")
	}
}

// PublishFrame queues a frame log for fan-out
func (p *Publisher) PublishFrame(frame models.FrameLog) {
	select {
	case p.queue <- item{frame: &frame}:
	default:
		log.Warn().Msg("Integration queue full, frame dropped")
	}
}

// Start drains the queue until the context is cancelled
func (p *Publisher) Start(ctx context.Context) error {
	log.Info().
		Str("event_subject", p.subjectEvent).
		Bool("mqtt", p.mqtt != nil).
		Msg("Integration publisher started")

	for {
		select {
		case <-ctx.Done():
			p.close()
			return nil
		case it := <-p.queue:
			p.dispatch(it)
		}
	}
}

func (p *Publisher) dispatch(it item) {
	switch {
	case it.event != nil:
		p.dispatchEvent(it.event)
	case it.frame != nil:
		p.dispatchFrame(it.frame)
	}
}

func (p *Publisher) dispatchEvent(event *models.DeviceEvent) {
	if p.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := p.store.CreateEvent(ctx, event); err != nil {
			log.Warn().Err(err).Msg("Failed to store event")
		}
		cancel()
	}

	if p.hub != nil {
		p.hub.Broadcast(event)
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	if p.nc != nil {
		if err := p.nc.Publish(p.subjectEvent, data); err != nil {
			log.Warn().Err(err).Str("subject", p.subjectEvent).Msg("NATS publish failed")
		}
	}

	p.publishMQTT(p.topicEvent, data)
}

func (p *Publisher) dispatchFrame(frame *models.FrameLog) {
	if p.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := p.store.CreateFrame(ctx, frame); err != nil {
			log.Warn().Err(err).Msg("Failed to store frame")
		}
		cancel()
	}

	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal frame")
		return
	}

	if p.nc != nil {
		if err := p.nc.Publish(p.subjectFrame, data); err != nil {
			log.Warn().Err(err).Str("subject", p.subjectFrame).Msg("NATS publish failed")
		}
	}

	p.publishMQTT(p.topicFrame, data)
}

func (p *Publisher) publishMQTT(topic string, data []byte) {
	if p.mqtt == nil || topic == "" {
		return
	}

	token := p.mqtt.Publish(topic, p.qos, false, data)
	go func() {
		if token.WaitTimeout(mqttTimeout) {
			if err := token.Error(); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
			}
		} else {
			log.Warn().Str("topic", topic).Msg("MQTT publish timeout")
		}
	}()
}

func (p *Publisher) close() {
	if p.mqtt != nil && p.mqtt.IsConnected() {
		p.mqtt.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}
}
