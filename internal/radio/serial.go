package radio

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// SerialLink talks to an attached LoRa modem over a serial port using a
// line protocol: "TX <hex>" towards the modem, "RX <hex> <rssi> <snr>"
// from it. The modem side has no beacon broadcast, so Class B discovery
// never completes on this link and the node stays in Class A.
type SerialLink struct {
	port   serial.Port
	frames chan Frame

	mu     sync.Mutex
	closed bool
}

// NewSerialLink opens the port and starts the reader
func NewSerialLink(portName string, baudRate int) (*SerialLink, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}

	l := &SerialLink{
		port:   port,
		frames: make(chan Frame, 16),
	}

	go l.readLoop()

	log.Info().
		Str("port", portName).
		Int("baud", baudRate).
		Msg("Serial radio link up")

	return l, nil
}

// readLoop parses modem lines until the port closes
func (l *SerialLink) readLoop() {
	scanner := bufio.NewScanner(l.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		frame, err := parseModemLine(line)
		if err != nil {
			log.Warn().Err(err).Str("line", line).Msg("Dropping malformed modem line")
			continue
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		select {
		case l.frames <- frame:
		default:
			log.Warn().Msg("Radio frame channel full, dropping frame")
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.frames)
	}
}

// parseModemLine decodes "RX <hex> <rssi> <snr>"
func parseModemLine(line string) (Frame, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "RX" {
		return Frame{}, fmt.Errorf("unexpected modem line")
	}

	payload, err := hex.DecodeString(fields[1])
	if err != nil {
		return Frame{}, fmt.Errorf("payload hex: %w", err)
	}

	rssi, err := strconv.Atoi(fields[2])
	if err != nil {
		return Frame{}, fmt.Errorf("rssi: %w", err)
	}

	snr, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return Frame{}, fmt.Errorf("snr: %w", err)
	}

	return Frame{
		Kind:    FrameData,
		Payload: payload,
		RSSI:    rssi,
		SNR:     snr,
	}, nil
}

// Send writes a TX line to the modem
func (l *SerialLink) Send(frame Frame) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	line := fmt.Sprintf("TX %s\n", hex.EncodeToString(frame.Payload))
	if _, err := l.port.Write([]byte(line)); err != nil {
		return fmt.Errorf("write serial: %w", err)
	}

	return nil
}

// Frames returns the receive channel
func (l *SerialLink) Frames() <-chan Frame {
	return l.frames
}

// Close closes the port; the reader shuts the frame channel
func (l *SerialLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.frames)
	l.mu.Unlock()

	return l.port.Close()
}
