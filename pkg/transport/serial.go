//go:build linux

// Package transport implements the downstream Transport task of §5: it
// batches step-event blocks framed by pkg/protocol, writes them to the
// MCU link over a termios-configured serial port, and exposes the
// transport credit the step generator blocks on when the link's buffer
// fills.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Common errors.
var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrTimeout      = errors.New("transport: operation timed out")
	ErrClosed       = errors.New("transport: port closed")
)

// SerialConfig holds serial port configuration for the MCU link.
type SerialConfig struct {
	Device         string
	BaudRate       int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// DefaultSerialConfig returns Klipper's usual MCU link defaults.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:       250000,
		ConnectTimeout: 60 * time.Second,
		ReadTimeout:    5 * time.Second,
	}
}

// Port is a raw termios-configured serial connection to an MCU.
type Port struct {
	mu         sync.Mutex
	fd         int
	device     string
	cfg        SerialConfig
	closed     bool
	oldTermios *unix.Termios
}

// OpenSerial opens and configures a serial port for 8N1, raw mode, at
// the requested baud rate.
func OpenSerial(cfg SerialConfig) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("transport: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 250000
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", cfg.Device, err)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: get termios: %w", err)
	}

	termios := *oldTermios
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	speed, err := baudRateToSpeed(cfg.BaudRate)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	setSpeed(&termios, speed)

	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: set termios: %w", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: set blocking: %w", err)
	}

	return &Port{fd: fd, device: cfg.Device, cfg: cfg, oldTermios: oldTermios}, nil
}

// Read reads up to len(buf) bytes, blocking for at most the configured
// read timeout.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd, timeout := p.fd, p.cfg.ReadTimeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("transport: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, fmt.Errorf("transport: link hung up")
	}
	return unix.Read(fd, buf)
}

// Write writes buf to the port.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()
	return unix.Write(fd, buf)
}

// Flush discards any buffered input and output.
func (p *Port) Flush() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()
	return unix.IoctlSetInt(fd, ioctlTCFlush, unix.TCIOFLUSH)
}

// Close restores the original termios settings and closes the port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.oldTermios != nil {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}
	return unix.Close(p.fd)
}

// Device returns the configured device path.
func (p *Port) Device() string { return p.device }

func baudRateToSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		50: unix.B50, 75: unix.B75, 110: unix.B110, 134: unix.B134,
		150: unix.B150, 200: unix.B200, 300: unix.B300, 600: unix.B600,
		1200: unix.B1200, 1800: unix.B1800, 2400: unix.B2400, 4800: unix.B4800,
		9600: unix.B9600, 19200: unix.B19200, 38400: unix.B38400,
		57600: unix.B57600, 115200: unix.B115200, 230400: unix.B230400,
		250000: 0x1003, // B250000, Klipper's conventional MCU link rate
	}
	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	return 0, fmt.Errorf("transport: unsupported baud rate %d", baud)
}
