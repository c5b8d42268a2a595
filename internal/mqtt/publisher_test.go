package mqtt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	on := true

	tests := []struct {
		name    string
		payload string
		want    CommandRequest
		wantErr bool
	}{
		{
			name:    "bare start",
			payload: "start",
			want:    CommandRequest{Action: "start"},
		},
		{
			name:    "bare stop with whitespace",
			payload: "  stop\n",
			want:    CommandRequest{Action: "stop"},
		},
		{
			name:    "json set_current",
			payload: `{"action":"set_current","connector":2,"current":16}`,
			want:    CommandRequest{Action: "set_current", Connector: 2, Current: 16},
		},
		{
			name:    "json with response topic",
			payload: `{"action":"stop","response_topic":"replies/42"}`,
			want:    CommandRequest{Action: "stop", ResponseTopic: "replies/42"},
		},
		{
			name:    "json set_outlet",
			payload: `{"action":"set_outlet","on":true}`,
			want:    CommandRequest{Action: "set_outlet", On: &on},
		},
		{
			name:    "json without action",
			payload: `{"connector":1}`,
			wantErr: true,
		},
		{
			name:    "empty payload",
			payload: "   ",
			wantErr: true,
		},
		{
			name:    "unknown bare command",
			payload: "reboot",
			wantErr: true,
		},
		{
			name:    "malformed json",
			payload: `{"action":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want.On != nil {
				require.NotNil(t, got.On)
				assert.Equal(t, *tt.want.On, *got.On)
				got.On = nil
				tt.want.On = nil
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeHandler struct {
	calls []string
	err   error
}

func (f *fakeHandler) record(format string, args ...interface{}) error {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeHandler) HandleStart(device string, connector int) error {
	return f.record("start %s %d", device, connector)
}

func (f *fakeHandler) HandleStop(device string, connector int) error {
	return f.record("stop %s %d", device, connector)
}

func (f *fakeHandler) HandleSetCurrent(device string, connector int, current float64) error {
	return f.record("set_current %s %d %.1f", device, connector, current)
}

func (f *fakeHandler) HandleSetRFID(device string, connector int, enabled bool) error {
	return f.record("set_rfid %s %d %t", device, connector, enabled)
}

func (f *fakeHandler) HandleSetCableLock(device string, connector int, locked bool) error {
	return f.record("set_cable_lock %s %d %t", device, connector, locked)
}

func (f *fakeHandler) HandleSetLight(device string, dimmer string, downLight *bool) error {
	if downLight == nil {
		return f.record("set_light %s dimmer=%s down_light=nil", device, dimmer)
	}
	return f.record("set_light %s dimmer=%s down_light=%t", device, dimmer, *downLight)
}

func (f *fakeHandler) HandleSetOutlet(device string, on bool) error {
	return f.record("set_outlet %s %t", device, on)
}

func TestDispatchRoutesActions(t *testing.T) {
	on := true
	locked := false

	tests := []struct {
		name     string
		req      CommandRequest
		wantCall string
	}{
		{
			name:     "start",
			req:      CommandRequest{Action: "start", Connector: 1},
			wantCall: "start garage 1",
		},
		{
			name:     "stop",
			req:      CommandRequest{Action: "stop", Connector: 2},
			wantCall: "stop garage 2",
		},
		{
			name:     "set current",
			req:      CommandRequest{Action: "set_current", Connector: 1, Current: 10},
			wantCall: "set_current garage 1 10.0",
		},
		{
			name:     "set rfid",
			req:      CommandRequest{Action: "set_rfid", Connector: 1, On: &on},
			wantCall: "set_rfid garage 1 true",
		},
		{
			name:     "set cable lock",
			req:      CommandRequest{Action: "set_cable_lock", Connector: 1, Locked: &locked},
			wantCall: "set_cable_lock garage 1 false",
		},
		{
			name:     "set light",
			req:      CommandRequest{Action: "set_light", Dimmer: "Low", DownLight: &on},
			wantCall: "set_light garage dimmer=Low down_light=true",
		},
		{
			name:     "set outlet",
			req:      CommandRequest{Action: "set_outlet", On: &on},
			wantCall: "set_outlet garage true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &fakeHandler{}
			resp := dispatch(handler, "garage", tt.req)

			assert.True(t, resp.Success, "response: %+v", resp)
			require.Len(t, handler.calls, 1)
			assert.Equal(t, tt.wantCall, handler.calls[0])
		})
	}
}

func TestDispatchValidation(t *testing.T) {
	tests := []struct {
		name string
		req  CommandRequest
	}{
		{name: "set_current without value", req: CommandRequest{Action: "set_current"}},
		{name: "set_current negative", req: CommandRequest{Action: "set_current", Current: -4}},
		{name: "set_rfid without on", req: CommandRequest{Action: "set_rfid"}},
		{name: "set_cable_lock without locked", req: CommandRequest{Action: "set_cable_lock"}},
		{name: "set_light without fields", req: CommandRequest{Action: "set_light"}},
		{name: "set_outlet without on", req: CommandRequest{Action: "set_outlet"}},
		{name: "unknown action", req: CommandRequest{Action: "reboot"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &fakeHandler{}
			resp := dispatch(handler, "garage", tt.req)

			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			assert.Empty(t, handler.calls, "invalid commands must not reach the handler")
		})
	}
}

func TestDispatchHandlerFailure(t *testing.T) {
	handler := &fakeHandler{err: fmt.Errorf("unknown device \"garage\"")}
	resp := dispatch(handler, "garage", CommandRequest{Action: "start"})

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown device")
}
