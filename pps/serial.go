/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// SerialReceiver reads NMEA ZDA sentences off a GNSS/PPS receiver
// attached over a serial line, one Source per reported second edge.
// It opens a single serial.Port the same way the teacher's
// sa53fw/mac.Mac does for its own line-oriented device.
type SerialReceiver struct {
	device string
	port   serial.Port
}

// OpenSerialReceiver opens device at baudRate.
func OpenSerialReceiver(device string, baudRate int) (*SerialReceiver, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("opening pps receiver %s: %w", device, err)
	}
	return &SerialReceiver{device: device, port: port}, nil
}

// Close releases the underlying serial port.
func (r *SerialReceiver) Close() error {
	return r.port.Close()
}

// Poll reads sentences until ctx is cancelled or the port errors,
// sending a Source with the configured uncertainty to out on every
// $GPZDA/$GNZDA line. The PPS edge itself defines second zero, so
// OffsetSeconds is always 0; fusion against an NTP candidate's own
// fractional offset happens in Fuse.
func (r *SerialReceiver) Poll(ctx context.Context, uncertaintySeconds float64, out chan<- Source) error {
	if err := pollZDA(ctx, r.port, uncertaintySeconds, out); err != nil {
		log.Warnf("pps: serial receiver %s: %v", r.device, err)
		return err
	}
	return nil
}

// pollZDA is Poll's scanning logic, factored out so it can be
// exercised in tests against a plain io.Reader instead of a real
// serial port.
func pollZDA(ctx context.Context, reader io.Reader, uncertaintySeconds float64, out chan<- Source) error {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "$GPZDA") && !strings.HasPrefix(line, "$GNZDA") {
			continue
		}
		select {
		case out <- Source{OffsetSeconds: 0, UncertaintySeconds: uncertaintySeconds}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
