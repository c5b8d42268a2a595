package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chargeamps-bridge/internal/bridge"
	"chargeamps-bridge/internal/chargeamps"
	"chargeamps-bridge/internal/config"
	"chargeamps-bridge/internal/metrics"
)

// stubAPI satisfies bridge.API without a cloud. Commands are fire-and-log,
// so the endpoints under test only depend on local state.
type stubAPI struct{}

func (stubAPI) OwnedChargePoints(ctx context.Context, token string) ([]chargeamps.ChargePoint, error) {
	return nil, nil
}

func (stubAPI) Status(ctx context.Context, token, id string) (*chargeamps.ChargePointStatus, error) {
	return &chargeamps.ChargePointStatus{}, nil
}

func (stubAPI) Settings(ctx context.Context, token, id string) (*chargeamps.ChargePointSettings, error) {
	return &chargeamps.ChargePointSettings{}, nil
}

func (stubAPI) PutSettings(ctx context.Context, token string, settings *chargeamps.ChargePointSettings) error {
	return nil
}

func (stubAPI) ConnectorSettings(ctx context.Context, token, id string, connectorID int) (*chargeamps.ConnectorSettings, error) {
	return &chargeamps.ConnectorSettings{}, nil
}

func (stubAPI) PutConnectorSettings(ctx context.Context, token string, settings *chargeamps.ConnectorSettings) error {
	return nil
}

func (stubAPI) RemoteStop(ctx context.Context, token, id string, connectorID int) error {
	return nil
}

func (stubAPI) ChargingSessions(ctx context.Context, token, id string, connectorID, maxCount int) ([]chargeamps.ChargingSession, error) {
	return nil, nil
}

type stubSession struct{}

func (stubSession) Login(ctx context.Context) error { return nil }
func (stubSession) Renew(ctx context.Context) error { return nil }
func (stubSession) Token() string                   { return "tok" }

// newTestServer builds a server over a service with one dual-port aura
// ("garage") and one outlet-equipped halo ("driveway").
func newTestServer(t *testing.T, m *metrics.Bridge) *Server {
	t.Helper()

	svc := bridge.NewService(zap.NewNop(), m)
	for _, dc := range []struct{ name, model string }{
		{"garage", "aura"},
		{"driveway", "halo"},
	} {
		model, err := bridge.ModelByName(dc.model)
		require.NoError(t, err)
		svc.Add(bridge.NewDevice(dc.name, "cp-"+dc.name, model, stubSession{}, stubAPI{}, nil, m, zap.NewNop()))
	}

	return NewServer(svc, zap.NewNop(), ":0", config.AuthConfig{}, m)
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestListDevices(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snaps []bridge.DeviceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, "driveway", snaps[0].Name)
	assert.Equal(t, "garage", snaps[1].Name)

	rec = doRequest(s, http.MethodPost, "/api/devices", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGetDevice(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/api/devices/garage", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap bridge.DeviceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "garage", snap.Name)
	assert.Equal(t, "aura", snap.Model)
	assert.Len(t, snap.Ports, 2)

	rec = doRequest(s, http.MethodGet, "/api/devices/attic", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAndStop(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/api/devices/garage/connectors/1/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	rec = doRequest(s, http.MethodPost, "/api/devices/garage/connectors/2/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Commands are POST-only and the connector must exist.
	rec = doRequest(s, http.MethodGet, "/api/devices/garage/connectors/1/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/devices/garage/connectors/3/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/devices/garage/connectors/one/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetCurrent(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPut, "/api/devices/garage/connectors/1/current", `{"current":16}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Message, "16.0")

	// The optimistic update is visible immediately.
	rec = doRequest(s, http.MethodGet, "/api/devices/garage", "")
	var snap bridge.DeviceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.InDelta(t, 16.0, snap.Ports[0].CurrentLimitA, 1e-9)

	rec = doRequest(s, http.MethodPut, "/api/devices/garage/connectors/1/current", `{"current":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPut, "/api/devices/garage/connectors/1/current", `{"current":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetRFID(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPut, "/api/devices/garage/connectors/1/rfid", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPut, "/api/devices/garage/connectors/1/rfid", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetCableLockCapability(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPut, "/api/devices/garage/connectors/1/cablelock", `{"locked":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The halo has no cable lock; the command is rejected locally.
	rec = doRequest(s, http.MethodPut, "/api/devices/driveway/connectors/1/cablelock", `{"locked":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetLight(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPut, "/api/devices/driveway/light", `{"dimmer":"Low","down_light":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Dimmer-only works on the aura; the ground light does not exist there.
	rec = doRequest(s, http.MethodPut, "/api/devices/garage/light", `{"dimmer":"Medium"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPut, "/api/devices/garage/light", `{"down_light":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPut, "/api/devices/driveway/light", `{"dimmer":"Blinding"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPut, "/api/devices/driveway/light", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetOutlet(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPut, "/api/devices/driveway/outlet", `{"on":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/devices/driveway", "")
	var snap bridge.DeviceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.OutletOn)
	assert.True(t, *snap.OutletOn)

	rec = doRequest(s, http.MethodPut, "/api/devices/garage/outlet", `{"on":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPut, "/api/devices/driveway/outlet", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownAction(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/api/devices/garage/reboot", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/devices/garage/connectors/1/reboot", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Devices)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, metrics.New())
	rec := doRequest(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	// Without a registry the endpoint is a 404, not a crash.
	s = newTestServer(t, nil)
	rec = doRequest(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthProtectsEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.auth = config.AuthConfig{Enabled: true, Username: "admin", Password: "secret"}

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
