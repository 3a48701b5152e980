package grbl

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/paulhankin/grblplot/logger"
)

// A Dialer opens a fresh connection to the device.
type Dialer func(ctx context.Context) (Transport, error)

// portPatterns match the USB serial adapters GRBL boards show up as.
var portPatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/cu.usbserial*",
	"/dev/cu.usbmodem*",
	"/dev/tty.usbserial*",
	"/dev/tty.usbmodem*",
}

// DiscoverPorts lists the serial ports that may have a GRBL device on
// them.
func DiscoverPorts() []string {
	seen := map[string]bool{}
	var ports []string
	for _, p := range portPatterns {
		matches, _ := filepath.Glob(p)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				ports = append(ports, m)
			}
		}
	}
	sort.Strings(ports)
	return ports
}

// Handshake waits for the device's start-up banner. Opening the port
// normally resets the board, which then announces itself; if it stays
// quiet it is sent a soft reset and given a second chance. It returns the
// banner.
func Handshake(t Transport, timeout time.Duration) (string, error) {
	wait := func() (string, error) {
		deadline := time.Now().Add(timeout)
		for {
			left := time.Until(deadline)
			if left <= 0 {
				return "", ErrTimeout
			}
			line, err := t.ReadLine(left)
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if err != nil {
				return "", err
			}
			if ParseResponse(line).Kind == RespBanner {
				return line, nil
			}
		}
	}
	banner, err := wait()
	if !errors.Is(err, ErrTimeout) {
		return banner, err
	}
	if err := t.SendRealtime(SoftReset); err != nil {
		return "", err
	}
	banner, err = wait()
	if err != nil {
		return "", fmt.Errorf("no GRBL banner: %w", err)
	}
	return banner, nil
}

// DialConfig says how to reach the device.
type DialConfig struct {
	Port             string // empty means try every discovered port
	Baud             int
	HandshakeTimeout time.Duration
}

// Dial opens the configured port, or the first discovered port that
// answers like a GRBL device, and completes the handshake.
func Dial(ctx context.Context, cfg DialConfig, log *logger.Logger) (*SerialTransport, string, error) {
	ports := []string{cfg.Port}
	if cfg.Port == "" {
		ports = DiscoverPorts()
		if len(ports) == 0 {
			return nil, "", fmt.Errorf("%w: no serial ports match %s", ErrNoDevice, strings.Join(portPatterns, " "))
		}
	}
	var errs []error
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		t, err := OpenSerial(port, cfg.Baud, log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		banner, err := Handshake(t, cfg.HandshakeTimeout)
		if err != nil {
			t.Close()
			errs = append(errs, fmt.Errorf("%s: %w", port, err))
			continue
		}
		log.Info("connected to %s: %s", port, banner)
		return t, banner, nil
	}
	if cfg.Port != "" {
		return nil, "", errors.Join(errs...)
	}
	return nil, "", fmt.Errorf("%w: %w", ErrNoDevice, errors.Join(errs...))
}

// Dialer returns a Dialer that connects with this configuration.
func (cfg DialConfig) Dialer(log *logger.Logger) Dialer {
	return func(ctx context.Context) (Transport, error) {
		t, _, err := Dial(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}
