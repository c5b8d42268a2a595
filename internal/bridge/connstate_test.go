package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chargeamps-bridge/internal/chargeamps"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name      string
		prev      ConnectionState
		raw       string
		wantState ConnectionState
		wantEvent Event
	}{
		{
			name:      "charging to connected completes the session",
			prev:      StateCharging,
			raw:       chargeamps.StatusConnected,
			wantState: StateConnected,
			wantEvent: EventChargingCompleted,
		},
		{
			name:      "charging to suspended completes the session",
			prev:      StateCharging,
			raw:       chargeamps.StatusSuspendedEV,
			wantState: StateConnected,
			wantEvent: EventChargingCompleted,
		},
		{
			name:      "charging to finishing completes the session",
			prev:      StateCharging,
			raw:       chargeamps.StatusFinishing,
			wantState: StateFinishing,
			wantEvent: EventChargingCompleted,
		},
		{
			name:      "connected to available disconnects",
			prev:      StateConnected,
			raw:       chargeamps.StatusAvailable,
			wantState: StateDisconnected,
			wantEvent: EventChargerDisconnected,
		},
		{
			name:      "charging to available disconnects",
			prev:      StateCharging,
			raw:       chargeamps.StatusAvailable,
			wantState: StateDisconnected,
			wantEvent: EventChargerDisconnected,
		},
		{
			name:      "disconnected to connected connects",
			prev:      StateDisconnected,
			raw:       chargeamps.StatusConnected,
			wantState: StateConnected,
			wantEvent: EventChargerConnected,
		},
		{
			name:      "finishing to connected connects",
			prev:      StateFinishing,
			raw:       chargeamps.StatusConnected,
			wantState: StateConnected,
			wantEvent: EventChargerConnected,
		},
		{
			name:      "connected to charging starts charging",
			prev:      StateConnected,
			raw:       chargeamps.StatusCharging,
			wantState: StateCharging,
			wantEvent: EventChargerCharging,
		},
		{
			name:      "first read of a charging car fires",
			prev:      StateUnknown,
			raw:       chargeamps.StatusCharging,
			wantState: StateCharging,
			wantEvent: EventChargerCharging,
		},
		{
			name:      "first read of an idle charger maps silently",
			prev:      StateUnknown,
			raw:       chargeamps.StatusAvailable,
			wantState: StateDisconnected,
			wantEvent: "",
		},
		{
			name:      "disconnected stays disconnected silently",
			prev:      StateDisconnected,
			raw:       chargeamps.StatusAvailable,
			wantState: StateDisconnected,
			wantEvent: "",
		},
		{
			name:      "connected unchanged",
			prev:      StateConnected,
			raw:       chargeamps.StatusConnected,
			wantState: StateConnected,
			wantEvent: "",
		},
		{
			name:      "charging unchanged",
			prev:      StateCharging,
			raw:       chargeamps.StatusCharging,
			wantState: StateCharging,
			wantEvent: "",
		},
		{
			name:      "suspended without prior charging passes through",
			prev:      StateConnected,
			raw:       chargeamps.StatusSuspendedEV,
			wantState: ConnectionState("SuspendedEV"),
			wantEvent: "",
		},
		{
			name:      "unknown raw status passes through verbatim",
			prev:      StateConnected,
			raw:       "Error",
			wantState: ConnectionState("Error"),
			wantEvent: "",
		},
		{
			name:      "verbatim state holds without an event",
			prev:      ConnectionState("Error"),
			raw:       "Error",
			wantState: ConnectionState("Error"),
			wantEvent: "",
		},
		{
			name:      "verbatim state recovers to available",
			prev:      ConnectionState("Error"),
			raw:       chargeamps.StatusAvailable,
			wantState: StateDisconnected,
			wantEvent: EventChargerDisconnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, event := transition(tt.prev, tt.raw)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantEvent, event)
		})
	}
}
