//go:build linux

package keysink

import (
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux uinput ioctl numbers and structure layout, per linux/uinput.h.
// x/sys/unix does not export these (uinput is not part of the syscall
// surface the package wraps), so they're pinned here the way every
// userspace uinput client does — the teacher's SerialPort talks to an
// Arduino over a framed byte protocol it owns end to end; this is the
// equivalent "own the wire format" situation for a kernel character
// device instead of a serial line.
const (
	uiSetEvBit   = 0x40045564
	uiSetKeyBit  = 0x40045565
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502

	evSyn = 0x00
	evKey = 0x01

	synReport = 0

	uinputMaxNameSize = 80
)

type inputID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

type uinputUserDev struct {
	Name       [uinputMaxNameSize]byte
	ID         inputID
	EffectsMax uint32
	AbsMax     [64]int32
	AbsMin     [64]int32
	AbsFuzz    [64]int32
	AbsFlat    [64]int32
}

type inputEvent struct {
	Time  syscall.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

// UinputSink is a reference Sink backed by a Linux /dev/uinput virtual
// keyboard. Key codes are interpreted as Linux evdev KEY_* constants.
// Modifiers are pressed before, and released after, the key itself —
// per the §6 contract ("a press with modifier must press and
// transiently release that modifier around the key"). The window
// argument is accepted for interface compatibility but ignored: a
// uinput device has no concept of window targeting, it always goes to
// whatever has input focus.
type UinputSink struct {
	mu     sync.Mutex
	fd     int
	logger *slog.Logger
}

// NewUinputSink creates and registers a virtual keyboard device named
// name, capable of emitting every code in keys. Call Close when done;
// the device is destroyed and the fd released.
func NewUinputSink(name string, keys []uint32, logger *slog.Logger) (*UinputSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := unix.Open("/dev/uinput", unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("keysink: open /dev/uinput: %w", err)
	}

	if err := ioctl(fd, uiSetEvBit, uintptr(evKey)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("keysink: UI_SET_EVBIT: %w", err)
	}
	for _, k := range keys {
		if err := ioctl(fd, uiSetKeyBit, uintptr(k)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("keysink: UI_SET_KEYBIT(%d): %w", k, err)
		}
	}
	// Also register the modifier keycodes we may synthesize around a
	// mapped key, regardless of whether the caller listed them.
	for _, k := range []uint32{keyLeftShift, keyLeftCtrl} {
		_ = ioctl(fd, uiSetKeyBit, uintptr(k))
	}

	var dev uinputUserDev
	copy(dev.Name[:], name)
	dev.ID = inputID{BusType: 0x03, Vendor: 0x1, Product: 0x1, Version: 1}

	buf := (*[unsafe.Sizeof(dev)]byte)(unsafe.Pointer(&dev))[:]
	if _, err := unix.Write(fd, buf); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("keysink: write uinput_user_dev: %w", err)
	}

	if err := ioctl(fd, uiDevCreate, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("keysink: UI_DEV_CREATE: %w", err)
	}

	logger.Info("keysink: uinput device created", "name", name, "key_count", len(keys))
	return &UinputSink{fd: fd, logger: logger}, nil
}

// Linux evdev modifier keycodes (linux/input-event-codes.h).
const (
	keyLeftShift = 42
	keyLeftCtrl  = 29
)

func (s *UinputSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return nil
	}
	_ = ioctl(s.fd, uiDevDestroy, 0)
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

func (s *UinputSink) Press(key uint32, mod Modifier, _ WindowHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mc, ok := modifierKeyCode(mod); ok {
		s.emitKey(mc, true)
	}
	s.emitKey(key, true)
}

func (s *UinputSink) Release(key uint32, mod Modifier, _ WindowHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitKey(key, false)
	if mc, ok := modifierKeyCode(mod); ok {
		s.emitKey(mc, false)
	}
}

// ReleaseAllModifiers implements keysink.ModifierReleaser. It releases
// left Shift and left Ctrl, the only modifiers this sink presses; Alt
// and Super are not touched.
func (s *UinputSink) ReleaseAllModifiers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitKey(keyLeftShift, false)
	s.emitKey(keyLeftCtrl, false)
}

func modifierKeyCode(mod Modifier) (uint32, bool) {
	switch mod {
	case ModShift:
		return keyLeftShift, true
	case ModCtrl:
		return keyLeftCtrl, true
	default:
		return 0, false
	}
}

func (s *UinputSink) emitKey(code uint32, down bool) {
	if s.fd < 0 {
		return
	}
	value := int32(0)
	if down {
		value = 1
	}
	if err := s.write(inputEvent{Type: evKey, Code: uint16(code), Value: value}); err != nil {
		s.logger.Warn("keysink: uinput write failed", "err", err)
		return
	}
	if err := s.write(inputEvent{Type: evSyn, Code: synReport, Value: 0}); err != nil {
		s.logger.Warn("keysink: uinput sync write failed", "err", err)
	}
}

func (s *UinputSink) write(ev inputEvent) error {
	buf := (*[unsafe.Sizeof(ev)]byte)(unsafe.Pointer(&ev))[:]
	_, err := unix.Write(s.fd, buf)
	return err
}

func ioctl(fd int, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}
