package bridge

import "chargeamps-bridge/internal/chargeamps"

// transition maps a raw vendor connector status onto the exposed connection
// state and decides which event, if any, the change fires.
//
// The previous state is compared against the raw status after normalization:
// Disconnected and Unknown count as the vendor's "Available". When the
// normalized previous state equals the raw status nothing changed, so no
// event fires, but the exposed state is still refreshed to the mapping of
// the raw status; that is how the very first read lands on a real state
// instead of Unknown.
//
// A charge point that was charging and now reports Connected, SuspendedEV
// or Finishing has finished a session; that rule wins over the generic
// mapping so the transition fires chargingCompleted rather than
// chargerConnected. Raw statuses outside the known set surface verbatim
// and fire nothing.
func transition(prev ConnectionState, raw string) (ConnectionState, Event) {
	if normalize(prev) == raw {
		return mapStatus(raw), ""
	}

	if prev == StateCharging {
		switch raw {
		case chargeamps.StatusConnected, chargeamps.StatusSuspendedEV:
			return StateConnected, EventChargingCompleted
		case chargeamps.StatusFinishing:
			return StateFinishing, EventChargingCompleted
		}
	}

	switch raw {
	case chargeamps.StatusAvailable:
		return StateDisconnected, EventChargerDisconnected
	case chargeamps.StatusConnected:
		return StateConnected, EventChargerConnected
	case chargeamps.StatusCharging:
		return StateCharging, EventChargerCharging
	default:
		return ConnectionState(raw), ""
	}
}

// normalize folds the exposed states that mean "no car" back onto the
// vendor's Available so they compare equal to an idle raw status.
func normalize(s ConnectionState) string {
	if s == StateDisconnected || s == StateUnknown {
		return chargeamps.StatusAvailable
	}
	return string(s)
}

// mapStatus is the event-free status mapping used when nothing changed.
func mapStatus(raw string) ConnectionState {
	switch raw {
	case chargeamps.StatusAvailable:
		return StateDisconnected
	case chargeamps.StatusConnected:
		return StateConnected
	case chargeamps.StatusCharging:
		return StateCharging
	default:
		return ConnectionState(raw)
	}
}
