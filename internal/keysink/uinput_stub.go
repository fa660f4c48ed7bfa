//go:build !linux

package keysink

import (
	"errors"
	"log/slog"
)

// ErrUnsupportedPlatform is returned by NewUinputSink on any OS other
// than Linux.
var ErrUnsupportedPlatform = errors.New("keysink: uinput sink is Linux-only")

// UinputSink is unavailable outside Linux; NewUinputSink always fails.
type UinputSink struct{}

func NewUinputSink(name string, keys []uint32, logger *slog.Logger) (*UinputSink, error) {
	return nil, ErrUnsupportedPlatform
}

func (s *UinputSink) Close() error { return nil }

func (s *UinputSink) Press(key uint32, mod Modifier, window WindowHandle)   {}
func (s *UinputSink) Release(key uint32, mod Modifier, window WindowHandle) {}
