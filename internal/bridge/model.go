// Package bridge contains the synchronization engine that mirrors Charge
// Amps charge points into local state and forwards control commands back to
// the cloud. One Device runs per physical charge point; a Service groups
// them and exposes the command surface used by MQTT and the local API.
package bridge

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionState is the normalized car connection state exposed per
// connector. Raw vendor statuses outside the known set pass through
// verbatim, so values of this type are not limited to the constants below.
type ConnectionState string

const (
	StateUnknown      ConnectionState = "Unknown"
	StateDisconnected ConnectionState = "Disconnected"
	StateConnected    ConnectionState = "Connected"
	StateCharging     ConnectionState = "Charging"
	StateFinishing    ConnectionState = "Finishing"
)

// Event names fired toward the automation surfaces. Each fires at most once
// per transition and delivery is best-effort.
type Event string

const (
	EventChargerConnected     Event = "chargerConnected"
	EventChargerDisconnected  Event = "chargerDisconnected"
	EventChargerCharging      Event = "chargerCharging"
	EventChargingCompleted    Event = "chargingCompleted"
	EventSwitchedOn           Event = "switchedOn"
	EventSwitchedOff          Event = "switchedOff"
	EventRFIDSwitchedOn       Event = "rfidSwitchedOn"
	EventRFIDSwitchedOff      Event = "rfidSwitchedOff"
	EventCableLockSwitchedOn  Event = "cableLockSwitchedOn"
	EventCableLockSwitchedOff Event = "cableLockSwitchedOff"
	EventOutletSwitchedOn     Event = "outletSwitchedOn"
	EventOutletSwitchedOff    Event = "outletSwitchedOff"
)

func onOffEvent(on, off Event, value bool) Event {
	if value {
		return on
	}
	return off
}

// Model captures how the device variants differ: port count, auxiliary
// capabilities and poll cadence. Everything else runs through one engine.
type Model struct {
	Name              string
	Ports             int
	OutletConnectorID int // 0 when the variant has no switched outlet
	HasCableLock      bool
	HasDownLight      bool
	HasDimmer         bool

	PollMin    time.Duration
	PollMax    time.Duration
	RetryDelay time.Duration
}

// HasOutlet reports whether the variant carries a switched mains outlet.
func (m Model) HasOutlet() bool { return m.OutletConnectorID != 0 }

var models = map[string]Model{
	"halo": {
		Name:              "halo",
		Ports:             1,
		OutletConnectorID: 2,
		HasCableLock:      false,
		HasDownLight:      true,
		HasDimmer:         true,
		PollMin:           19 * time.Second,
		PollMax:           90 * time.Second,
		RetryDelay:        19 * time.Second,
	},
	"aura": {
		Name:         "aura",
		Ports:        2,
		HasCableLock: true,
		HasDimmer:    true,
		PollMin:      14 * time.Second,
		PollMax:      60 * time.Second,
		RetryDelay:   15 * time.Second,
	},
	"dawn": {
		Name:         "dawn",
		Ports:        1,
		HasCableLock: true,
		HasDimmer:    true,
		PollMin:      19 * time.Second,
		PollMax:      60 * time.Second,
		RetryDelay:   19 * time.Second,
	},
}

// ModelByName resolves a configured model name, case insensitively.
func ModelByName(name string) (Model, error) {
	m, ok := models[strings.ToLower(name)]
	if !ok {
		return Model{}, fmt.Errorf("unknown device model %q", name)
	}
	return m, nil
}

// WithPollBounds returns a copy of the model with the poll window
// overridden. Zero values keep the model defaults; the retry delay follows
// the minimum when that is overridden.
func (m Model) WithPollBounds(min, max time.Duration) Model {
	if min > 0 {
		m.PollMin = min
		m.RetryDelay = min
	}
	if max > 0 {
		m.PollMax = max
	}
	return m
}

// PortSnapshot is the externally visible state of one charging connector.
type PortSnapshot struct {
	Connector       int             `json:"connector"`
	ConnectionState ConnectionState `json:"connection_state"`
	On              bool            `json:"on"`
	CurrentLimitA   float64         `json:"current_limit_a"`
	RFIDLock        bool            `json:"rfid_lock"`
	CableLock       bool            `json:"cable_lock"`
	NowKwh          float64         `json:"now_kwh"`
	LastSessionKwh  float64         `json:"last_session_kwh"`
	MeterKwh        float64         `json:"meter_kwh"`
	PowerKw         float64         `json:"power_kw"`
}

// DeviceSnapshot is the externally visible state of a whole device,
// served by the local API and rendered by the CLI.
type DeviceSnapshot struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Model    string `json:"model"`
	Firmware string `json:"firmware,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Online   bool   `json:"online"`

	Dimmer    string `json:"dimmer,omitempty"`
	DownLight *bool  `json:"down_light,omitempty"`
	OutletOn  *bool  `json:"outlet_on,omitempty"`

	TotalPowerKw  float64 `json:"total_power_kw"`
	TotalMeterKwh float64 `json:"total_meter_kwh"`

	LastSync time.Time      `json:"last_sync"`
	Ports    []PortSnapshot `json:"ports"`
}
