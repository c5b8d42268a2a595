// Package chargeamps talks to the Charge Amps cloud API (eapi.charge.space).
// It covers the slice of the API the bridge needs: authentication, charge
// point inventory, status polling, connector and charge point settings,
// remote stop and charging session history.
package chargeamps

import (
	"bytes"
	"fmt"
	"time"
)

// Raw connector statuses reported by the cloud. Anything outside this list
// is passed through verbatim to callers.
const (
	StatusAvailable   = "Available"
	StatusConnected   = "Connected"
	StatusCharging    = "Charging"
	StatusSuspendedEV = "SuspendedEV"
	StatusFinishing   = "Finishing"
)

// Dimmer levels accepted by the charge point settings endpoint.
const (
	DimmerOff    = "Off"
	DimmerLow    = "Low"
	DimmerMedium = "Medium"
	DimmerHigh   = "High"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type renewRequest struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// LoginResult is returned by both the login and the token renewal calls.
type LoginResult struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
}

// User identifies the cloud account that owns the session.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// ChargePoint describes one wallbox registered to the account.
type ChargePoint struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Type            string      `json:"type"`
	IsLoadbalanced  bool        `json:"isLoadbalanced"`
	FirmwareVersion string      `json:"firmwareVersion"`
	HardwareVersion string      `json:"hardwareVersion"`
	OCPPVersion     *string     `json:"ocppVersion"`
	Connectors      []Connector `json:"connectors"`
}

// Protocol reports the management protocol the charge point runs. The cloud
// leaves ocppVersion unset for points on the native protocol.
func (cp ChargePoint) Protocol() string {
	if cp.OCPPVersion == nil || *cp.OCPPVersion == "" {
		return "CAPI"
	}
	return "OCPP"
}

// Connector returns the connector with the given id, if present.
func (cp ChargePoint) Connector(id int) (Connector, bool) {
	for _, c := range cp.Connectors {
		if c.ConnectorID == id {
			return c, true
		}
	}
	return Connector{}, false
}

// Connector is one physical outlet on a charge point. Type is "Charging"
// for the EV connector and "Schuko" for the mains outlet on models that
// carry one.
type Connector struct {
	ChargePointID string `json:"chargePointId"`
	ConnectorID   int    `json:"connectorId"`
	Type          string `json:"type"`
}

// ChargePointStatus is the live state of a charge point and its connectors.
type ChargePointStatus struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Connectors []ConnectorStatus `json:"connectorStatuses"`
}

// Connector returns the status entry for the given connector id.
func (s ChargePointStatus) Connector(id int) (ConnectorStatus, bool) {
	for _, c := range s.Connectors {
		if c.ConnectorID == id {
			return c, true
		}
	}
	return ConnectorStatus{}, false
}

// ConnectorStatus carries the live state of one connector, including the
// consumption counter of the session in progress and per-phase measurements.
type ConnectorStatus struct {
	ChargePointID       string        `json:"chargePointId"`
	ConnectorID         int           `json:"connectorId"`
	Status              string        `json:"status"`
	TotalConsumptionKwh float64       `json:"totalConsumptionKwh"`
	Measurements        []Measurement `json:"measurements"`
	StartTime           *time.Time    `json:"startTime"`
	EndTime             *time.Time    `json:"endTime"`
}

// Measurement is one phase sample.
type Measurement struct {
	Phase   string  `json:"phase"`
	Current float64 `json:"current"`
	Voltage float64 `json:"voltage"`
}

// ChargePointSettings are the device level settings (as opposed to the per
// connector ones): the status light dimmer and the ground light on models
// that have one.
type ChargePointSettings struct {
	ID        string `json:"id"`
	Dimmer    string `json:"dimmer"`
	DownLight bool   `json:"downLight"`
}

// Mode is the connector on/off switch. The cloud reports it as the strings
// "On"/"Off" but only accepts the numeric forms 1/0 on writes, so the JSON
// codec speaks both.
type Mode string

const (
	ModeOn  Mode = "On"
	ModeOff Mode = "Off"
)

// On reports whether the mode is the enabled state.
func (m Mode) On() bool { return m == ModeOn }

// MarshalJSON emits the numeric form the settings endpoint requires.
func (m Mode) MarshalJSON() ([]byte, error) {
	if m.On() {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// UnmarshalJSON accepts both the string and the numeric form.
func (m *Mode) UnmarshalJSON(data []byte) error {
	switch string(bytes.Trim(data, `"`)) {
	case "On", "on", "1", "true":
		*m = ModeOn
	case "Off", "off", "0", "false":
		*m = ModeOff
	default:
		return fmt.Errorf("invalid connector mode %s", data)
	}
	return nil
}

// ConnectorSettings are the writable per connector settings.
type ConnectorSettings struct {
	ChargePointID string  `json:"chargePointId"`
	ConnectorID   int     `json:"connectorId"`
	Mode          Mode    `json:"mode"`
	RFIDLock      bool    `json:"rfidLock"`
	CableLock     bool    `json:"cableLock"`
	MaxCurrent    float64 `json:"maxCurrent"`
}

// ChargingSession is one row of per-connector session history, newest first.
type ChargingSession struct {
	ChargePointID       string     `json:"chargePointId"`
	ConnectorID         int        `json:"connectorId"`
	SessionID           int64      `json:"id"`
	TotalConsumptionKwh float64    `json:"totalConsumptionKwh"`
	StartTime           *time.Time `json:"startTime"`
	EndTime             *time.Time `json:"endTime"`
}
