// device.go - Compute-Devices und Registrierung
// Dieses Modul definiert Device und die Device-Factory-Funktionen.
package ml

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"
)

var ErrUnsupportedDevice = errors.New("unsupported device")

// Device describes where a session runs. It is fixed for the lifetime of a session.
type Device struct {
	Name    string
	Threads int
}

func (d Device) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", d.Name),
		slog.Int("threads", d.Threads),
	)
}

var devices = make(map[string]func() (Device, error))

// RegisterDevice registers a device factory function.
func RegisterDevice(name string, f func() (Device, error)) {
	if _, ok := devices[name]; ok {
		panic("device: device already registered")
	}

	devices[name] = f
}

// NewDevice returns the device registered under name.
func NewDevice(name string) (Device, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if f, ok := devices[name]; ok {
		return f()
	}

	return Device{}, fmt.Errorf("%w %q (available: %s)", ErrUnsupportedDevice, name, strings.Join(Devices(), ", "))
}

// Devices lists the registered device names.
func Devices() []string {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func init() {
	RegisterDevice("cpu", func() (Device, error) {
		return Device{Name: "cpu", Threads: runtime.GOMAXPROCS(0)}, nil
	})
}
