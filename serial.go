package emficampaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	serial "github.com/allbin/go-serial"
	"go.viam.com/rdk/logging"
)

// maxConsecutiveReadErrors mirrors the lab tool's tolerance before the serial
// link is declared dead.
const maxConsecutiveReadErrors = 10

// serialPort is the slice of a serial connection the ingestion unit needs.
// Satisfied by *serial.Port and by the simulated target.
type serialPort interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	Close() error
}

// SerialIngest is the single reader of the target's serial link: it feeds raw
// bytes through the TransmissionParser, lets the ResetDetector observe every
// frame, and routes frames to registered handlers.
type SerialIngest struct {
	logger   logging.Logger
	port     serialPort
	parser   *TransmissionParser
	router   *MessageRouter
	detector *ResetDetector

	// ownsPort is set when the ingest opened the port itself. A port handed in
	// from outside (the sim bench target, which outlives any single run) is
	// left open for the next run.
	ownsPort bool
}

// OpenSerialIngest opens the target's serial port and wires the ingestion
// pipeline around it.
func OpenSerialIngest(path string, baudRate int, parser *TransmissionParser, router *MessageRouter, detector *ResetDetector, logger logging.Logger) (*SerialIngest, error) {
	port, err := serial.Open(path,
		serial.WithBaudRate(baudRate),
		serial.WithReadTimeout(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("opening target serial port %s: %w", path, err)
	}
	in := NewSerialIngest(port, parser, router, detector, logger)
	in.ownsPort = true
	return in, nil
}

// NewSerialIngest wires the ingestion pipeline around an already-open port.
func NewSerialIngest(port serialPort, parser *TransmissionParser, router *MessageRouter, detector *ResetDetector, logger logging.Logger) *SerialIngest {
	return &SerialIngest{
		logger:   logger,
		port:     port,
		parser:   parser,
		router:   router,
		detector: detector,
	}
}

// Run pumps the serial link until ctx is canceled or the link fails
// persistently. The routing table is sealed before the first byte is read.
// The port is closed on exit only when this ingest opened it.
func (in *SerialIngest) Run(ctx context.Context) error {
	in.router.Seal()
	defer func() {
		if !in.ownsPort {
			return
		}
		if err := in.port.Close(); err != nil {
			in.logger.Warnf("closing serial port: %v", err)
		}
	}()

	buf := make([]byte, 512)
	readErrors := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := in.port.ReadContext(ctx, buf)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			readErrors++
			in.logger.Errorf("serial read error (%d in a row): %v", readErrors, err)
			if readErrors > maxConsecutiveReadErrors {
				return fmt.Errorf("serial link failed after %d consecutive errors: %w", readErrors, err)
			}
			continue
		}
		readErrors = 0
		if n == 0 {
			continue
		}

		in.parser.Feed(buf[:n])
		for {
			t, ok := in.parser.Next()
			if !ok {
				break
			}
			in.detector.Observe(t)
			in.router.Route(t)
		}
	}
}
