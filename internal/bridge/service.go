package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"chargeamps-bridge/internal/metrics"
)

// Service groups the configured devices and exposes the command surface
// consumed by the MQTT subscription and the local API. Devices are fully
// independent; the service only routes by name.
type Service struct {
	logger  *zap.Logger
	metrics *metrics.Bridge

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewService creates an empty device registry.
func NewService(logger *zap.Logger, m *metrics.Bridge) *Service {
	return &Service{
		logger:  logger,
		metrics: m,
		devices: make(map[string]*Device),
	}
}

// Add registers a device under its configured name.
func (s *Service) Add(d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.Name()] = d
}

// Device looks up a device by name.
func (s *Service) Device(name string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[name]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", name)
	}
	return d, nil
}

// Devices returns the registered devices sorted by name.
func (s *Service) Devices() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Snapshots returns the state of every device, sorted by name.
func (s *Service) Snapshots() []DeviceSnapshot {
	devices := s.Devices()
	out := make([]DeviceSnapshot, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Snapshot())
	}
	return out
}

// SnapshotOf returns the state of one device.
func (s *Service) SnapshotOf(name string) (DeviceSnapshot, error) {
	d, err := s.Device(name)
	if err != nil {
		return DeviceSnapshot{}, err
	}
	return d.Snapshot(), nil
}

// StartAll starts every registered device. A device whose startup fails
// (bad credentials, unreachable cloud) is logged and left stopped; the
// remaining devices keep going. Returns the number of devices running.
func (s *Service) StartAll(ctx context.Context) int {
	started := 0
	for _, d := range s.Devices() {
		if err := d.Start(ctx); err != nil {
			s.logger.Error("Device failed to start", zap.String("device", d.Name()), zap.Error(err))
			continue
		}
		started++
	}
	s.metrics.SetDevicesOnline(started)
	return started
}

// StopAll stops every device's timers.
func (s *Service) StopAll() {
	for _, d := range s.Devices() {
		d.Stop()
	}
	s.metrics.SetDevicesOnline(0)
}

// defaultConnector lets single-port commands omit the connector.
func defaultConnector(connector int) int {
	if connector == 0 {
		return 1
	}
	return connector
}

func (s *Service) command(action, device string, fn func(*Device) error) error {
	d, err := s.Device(device)
	if err != nil {
		s.metrics.RecordCommand(action, "unknown_device")
		return err
	}
	if err := fn(d); err != nil {
		s.metrics.RecordCommand(action, "rejected")
		return err
	}
	s.metrics.RecordCommand(action, "ok")
	return nil
}

// HandleStart switches a connector on.
func (s *Service) HandleStart(device string, connector int) error {
	return s.command("start", device, func(d *Device) error {
		return d.SetMode(defaultConnector(connector), true)
	})
}

// HandleStop switches a connector off (remote stop, settle, settings write).
func (s *Service) HandleStop(device string, connector int) error {
	return s.command("stop", device, func(d *Device) error {
		return d.SetMode(defaultConnector(connector), false)
	})
}

// HandleSetCurrent sets a connector's charging current limit.
func (s *Service) HandleSetCurrent(device string, connector int, current float64) error {
	return s.command("set_current", device, func(d *Device) error {
		return d.SetCurrent(defaultConnector(connector), current)
	})
}

// HandleSetRFID toggles RFID authorization on a connector.
func (s *Service) HandleSetRFID(device string, connector int, enabled bool) error {
	return s.command("set_rfid", device, func(d *Device) error {
		return d.SetRFIDLock(defaultConnector(connector), enabled)
	})
}

// HandleSetCableLock toggles the cable lock on a connector.
func (s *Service) HandleSetCableLock(device string, connector int, locked bool) error {
	return s.command("set_cable_lock", device, func(d *Device) error {
		return d.SetCableLock(defaultConnector(connector), locked)
	})
}

// HandleSetLight adjusts the LED dimmer and/or ground light.
func (s *Service) HandleSetLight(device string, dimmer string, downLight *bool) error {
	return s.command("set_light", device, func(d *Device) error {
		return d.SetLight(dimmer, downLight)
	})
}

// HandleSetOutlet switches the auxiliary outlet.
func (s *Service) HandleSetOutlet(device string, on bool) error {
	return s.command("set_outlet", device, func(d *Device) error {
		return d.SetOutlet(on)
	})
}
