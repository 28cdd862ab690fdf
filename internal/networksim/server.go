package networksim

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/classb-node/internal/radio"
)

// ServerConfig configures the NATS facing side of the emulator
type ServerConfig struct {
	// BeaconInterval spaces beacon broadcasts, 0 disables them
	BeaconInterval time.Duration
	// RX1Delay delays downlink answers after an uplink
	RX1Delay time.Duration
}

// Server exposes a Core over the virtual RF subjects: uplinks arrive on
// lora.*.up, answers go to lora.<deveui>.down, beacons to lora.beacon.
type Server struct {
	core *Core
	nc   *nats.Conn
	cfg  ServerConfig

	sub  *nats.Subscription
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer wires a core to a NATS connection
func NewServer(core *Core, nc *nats.Conn, cfg ServerConfig) *Server {
	return &Server{
		core: core,
		nc:   nc,
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start subscribes the uplink subject and starts the beacon broadcaster
func (s *Server) Start() error {
	sub, err := s.nc.Subscribe("lora.*.up", s.handleUplink)
	if err != nil {
		return fmt.Errorf("subscribe uplinks: %w", err)
	}
	s.sub = sub

	if s.cfg.BeaconInterval > 0 {
		s.wg.Add(1)
		go s.beaconLoop()
	}

	log.Info().
		Dur("beacon_interval", s.cfg.BeaconInterval).
		Dur("rx1_delay", s.cfg.RX1Delay).
		Msg("Network emulator listening")

	return nil
}

// Stop unsubscribes and stops the broadcaster
func (s *Server) Stop() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	close(s.quit)
	s.wg.Wait()
}

func (s *Server) handleUplink(msg *nats.Msg) {
	frame, err := radio.DecodeEnvelope(msg.Data, radio.FrameData)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed uplink envelope")
		return
	}

	down, err := s.core.HandleUplink(frame.Payload)
	if err != nil {
		log.Warn().Err(err).Str("dev_eui", subjectDevEUI(msg.Subject)).Msg("Uplink dropped")
		return
	}
	if down == nil {
		return
	}

	subject := fmt.Sprintf("lora.%s.down", down.DevEUI)
	wire := down.Payload

	publish := func() {
		data, err := radio.EncodeEnvelope(radio.Frame{
			Kind:      radio.FrameData,
			Payload:   wire,
			Frequency: s.core.Region().DefaultRX2Freq,
			DR:        s.core.Region().DefaultRX2DR,
			RSSI:      synthRSSI(),
			SNR:       synthSNR(),
		})
		if err != nil {
			log.Error().Err(err).Msg("Encode downlink envelope failed")
			return
		}
		if err := s.nc.Publish(subject, data); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("Publish downlink failed")
		}
	}

	if s.cfg.RX1Delay > 0 {
		time.AfterFunc(s.cfg.RX1Delay, publish)
	} else {
		publish()
	}
}

func (s *Server) beaconLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			wire, err := s.core.BeaconFrame(now)
			if err != nil {
				log.Error().Err(err).Msg("Build beacon failed")
				continue
			}

			data, err := radio.EncodeEnvelope(radio.Frame{
				Kind:      radio.FrameBeacon,
				Payload:   wire,
				Frequency: s.core.Region().BeaconFreq,
				DR:        s.core.Region().BeaconDR,
				RSSI:      synthRSSI(),
				SNR:       synthSNR(),
			})
			if err != nil {
				log.Error().Err(err).Msg("Encode beacon envelope failed")
				continue
			}

			if err := s.nc.Publish("lora.beacon", data); err != nil {
				log.Warn().Err(err).Msg("Publish beacon failed")
			} else {
				log.Debug().Msg("Beacon broadcast")
			}
		}
	}
}

// ServeLink drives a core over an in-process radio link: uplinks arriving
// on the link are answered through the core, beacons are broadcast on the
// configured interval. Returns when the context is cancelled or the link
// frame channel closes. Used to embed the emulator next to a loopback node.
func ServeLink(ctx context.Context, core *Core, link radio.Link, cfg ServerConfig) error {
	var beacons <-chan time.Time
	if cfg.BeaconInterval > 0 {
		ticker := time.NewTicker(cfg.BeaconInterval)
		defer ticker.Stop()
		beacons = ticker.C
	}

	log.Info().
		Dur("beacon_interval", cfg.BeaconInterval).
		Dur("rx1_delay", cfg.RX1Delay).
		Msg("Network emulator serving loopback link")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-link.Frames():
			if !ok {
				return nil
			}
			down, err := core.HandleUplink(frame.Payload)
			if err != nil {
				log.Warn().Err(err).Msg("Uplink dropped")
				continue
			}
			if down == nil {
				continue
			}
			answer := radio.Frame{
				Kind:      radio.FrameData,
				Payload:   down.Payload,
				Frequency: core.Region().DefaultRX2Freq,
				DR:        core.Region().DefaultRX2DR,
				RSSI:      synthRSSI(),
				SNR:       synthSNR(),
			}
			if cfg.RX1Delay > 0 {
				time.AfterFunc(cfg.RX1Delay, func() { link.Send(answer) })
			} else if err := link.Send(answer); err != nil {
				return nil
			}

		case now := <-beacons:
			wire, err := core.BeaconFrame(now)
			if err != nil {
				log.Error().Err(err).Msg("Build beacon failed")
				continue
			}
			link.Send(radio.Frame{
				Kind:      radio.FrameBeacon,
				Payload:   wire,
				Frequency: core.Region().BeaconFreq,
				DR:        core.Region().BeaconDR,
				RSSI:      synthRSSI(),
				SNR:       synthSNR(),
			})
		}
	}
}

// subjectDevEUI extracts the device EUI token from lora.<deveui>.up
func subjectDevEUI(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

func synthRSSI() int {
	return -(30 + rand.Intn(70))
}

func synthSNR() float64 {
	return -2 + rand.Float64()*12
}
