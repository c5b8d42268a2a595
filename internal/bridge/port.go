package bridge

import "chargeamps-bridge/internal/chargeamps"

// Port is the locally held state of one connector: the last known settings
// tuple, the connection state and the consumption ledger. All access goes
// through the owning Device's lock.
//
// The same type backs the switched mains outlet on variants that have one;
// the outlet only ever uses the mode and currentLimit fields and never
// enters the status/consumption pipeline.
type Port struct {
	connector int

	state        ConnectionState
	on           bool
	currentLimit float64
	rfidLock     bool
	cableLock    bool

	// nowKwh is the session counter captured by the status stage for the
	// charging-info stage that follows it in the same cycle.
	nowKwh float64

	ledger Ledger

	// seeded flips after the first settings read so the initial population
	// from the cloud does not fire a burst of switch events.
	seeded bool
}

func newPort(connector int) *Port {
	return &Port{connector: connector, state: StateUnknown}
}

// applyStatus runs the raw connector status through the state machine and
// captures the session counter and power estimate for the rest of the cycle.
func (p *Port) applyStatus(cs chargeamps.ConnectorStatus) Event {
	next, ev := transition(p.state, cs.Status)
	p.state = next
	p.nowKwh = cs.TotalConsumptionKwh
	p.ledger.ObservePower(cs.Measurements)
	return ev
}

// applySettings reconciles the locally held settings tuple with what the
// cloud reports and returns the switch events the differences imply. The
// first read after startup seeds the tuple silently.
func (p *Port) applySettings(s *chargeamps.ConnectorSettings, cableLockSupported bool) []Event {
	var events []Event

	on := s.Mode.On()
	if p.on != on {
		p.on = on
		if p.seeded {
			events = append(events, onOffEvent(EventSwitchedOn, EventSwitchedOff, on))
		}
	}
	if p.rfidLock != s.RFIDLock {
		p.rfidLock = s.RFIDLock
		if p.seeded {
			events = append(events, onOffEvent(EventRFIDSwitchedOn, EventRFIDSwitchedOff, s.RFIDLock))
		}
	}
	if cableLockSupported && p.cableLock != s.CableLock {
		p.cableLock = s.CableLock
		if p.seeded {
			events = append(events, onOffEvent(EventCableLockSwitchedOn, EventCableLockSwitchedOff, s.CableLock))
		}
	}
	p.currentLimit = s.MaxCurrent

	p.seeded = true
	return events
}

// applyOutletSettings is the outlet flavor of applySettings: only the mode
// matters and the event vocabulary differs.
func (p *Port) applyOutletSettings(s *chargeamps.ConnectorSettings) []Event {
	var events []Event

	on := s.Mode.On()
	if p.on != on {
		p.on = on
		if p.seeded {
			events = append(events, onOffEvent(EventOutletSwitchedOn, EventOutletSwitchedOff, on))
		}
	}
	p.currentLimit = s.MaxCurrent

	p.seeded = true
	return events
}

// settingsTuple composes the full desired settings for a write. Cable lock
// is pinned false on variants without the hardware.
func (p *Port) settingsTuple(deviceID string, cableLockSupported bool) *chargeamps.ConnectorSettings {
	mode := chargeamps.ModeOff
	if p.on {
		mode = chargeamps.ModeOn
	}
	cable := p.cableLock
	if !cableLockSupported {
		cable = false
	}
	return &chargeamps.ConnectorSettings{
		ChargePointID: deviceID,
		ConnectorID:   p.connector,
		Mode:          mode,
		RFIDLock:      p.rfidLock,
		CableLock:     cable,
		MaxCurrent:    p.currentLimit,
	}
}

// snapshot copies the port state for external consumers.
func (p *Port) snapshot() PortSnapshot {
	return PortSnapshot{
		Connector:       p.connector,
		ConnectionState: p.state,
		On:              p.on,
		CurrentLimitA:   p.currentLimit,
		RFIDLock:        p.rfidLock,
		CableLock:       p.cableLock,
		NowKwh:          p.ledger.NowKwh,
		LastSessionKwh:  p.ledger.LastKwh,
		MeterKwh:        p.ledger.MeterKwh,
		PowerKw:         p.ledger.PowerKw,
	}
}
