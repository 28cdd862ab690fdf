package radio

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

// Envelope is the JSON wire format used on the virtual RF subjects.
// Both ends of the link speak it, the network emulator included.
type Envelope struct {
	Payload   string    `json:"payload"` // hex
	Frequency uint32    `json:"frequency"`
	DR        int       `json:"dr"`
	RSSI      int       `json:"rssi"`
	SNR       float64   `json:"snr"`
	Time      time.Time `json:"time"`
}

// EncodeEnvelope marshals a frame for a virtual RF subject
func EncodeEnvelope(frame Frame) ([]byte, error) {
	env := Envelope{
		Payload:   hex.EncodeToString(frame.Payload),
		Frequency: frame.Frequency,
		DR:        frame.DR,
		RSSI:      frame.RSSI,
		SNR:       frame.SNR,
		Time:      time.Now().UTC(),
	}
	return json.Marshal(env)
}

// DecodeEnvelope unmarshals a virtual RF message into a frame of the
// given kind
func DecodeEnvelope(data []byte, kind FrameKind) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("unmarshal radio envelope: %w", err)
	}

	payload, err := hex.DecodeString(env.Payload)
	if err != nil {
		return Frame{}, fmt.Errorf("radio envelope payload hex: %w", err)
	}

	return Frame{
		Kind:      kind,
		Payload:   payload,
		Frequency: env.Frequency,
		DR:        env.DR,
		RSSI:      env.RSSI,
		SNR:       env.SNR,
	}, nil
}

// NATSLink is a virtual RF link over NATS subjects. The node transmits on
// lora.<deveui>.up and listens on lora.<deveui>.down plus the shared
// lora.beacon broadcast subject.
type NATSLink struct {
	nc     *nats.Conn
	devEUI lorawan.EUI64

	frames chan Frame
	subs   []*nats.Subscription

	mu     sync.Mutex
	closed bool
}

// NewNATSLink subscribes the downlink and beacon subjects for the device
func NewNATSLink(nc *nats.Conn, devEUI lorawan.EUI64) (*NATSLink, error) {
	l := &NATSLink{
		nc:     nc,
		devEUI: devEUI,
		frames: make(chan Frame, 16),
	}

	downSub, err := nc.Subscribe(fmt.Sprintf("lora.%s.down", devEUI), func(msg *nats.Msg) {
		l.deliver(msg.Data, FrameData)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe downlink: %w", err)
	}
	l.subs = append(l.subs, downSub)

	beaconSub, err := nc.Subscribe("lora.beacon", func(msg *nats.Msg) {
		l.deliver(msg.Data, FrameBeacon)
	})
	if err != nil {
		downSub.Unsubscribe()
		return nil, fmt.Errorf("subscribe beacon: %w", err)
	}
	l.subs = append(l.subs, beaconSub)

	log.Info().
		Str("devEUI", devEUI.String()).
		Msg("NATS radio link up")

	return l, nil
}

// deliver decodes an envelope and pushes it into the frame channel
func (l *NATSLink) deliver(data []byte, kind FrameKind) {
	frame, err := DecodeEnvelope(data, kind)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed radio envelope")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	select {
	case l.frames <- frame:
	default:
		log.Warn().Msg("Radio frame channel full, dropping frame")
	}
}

// Send publishes the frame on the device uplink subject
func (l *NATSLink) Send(frame Frame) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := EncodeEnvelope(frame)
	if err != nil {
		return fmt.Errorf("marshal radio envelope: %w", err)
	}

	subject := fmt.Sprintf("lora.%s.up", l.devEUI)
	if err := l.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish uplink: %w", err)
	}

	return nil
}

// Frames returns the receive channel
func (l *NATSLink) Frames() <-chan Frame {
	return l.frames
}

// Close unsubscribes and closes the frame channel
func (l *NATSLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	for _, sub := range l.subs {
		sub.Unsubscribe()
	}
	close(l.frames)

	return nil
}
