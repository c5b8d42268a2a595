package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"chargeamps-bridge/internal/chargeamps"
	"chargeamps-bridge/internal/metrics"
	"chargeamps-bridge/internal/mqtt"
)

// stopSettleDelay is the pause between a remote stop and the settings write
// that turns a connector off, giving the charge point time to wind the
// session down before the mode flips.
const stopSettleDelay = 2 * time.Second

// API is the slice of the cloud client the engine drives.
// *chargeamps.Client implements it; tests substitute fakes.
type API interface {
	OwnedChargePoints(ctx context.Context, token string) ([]chargeamps.ChargePoint, error)
	Status(ctx context.Context, token, id string) (*chargeamps.ChargePointStatus, error)
	Settings(ctx context.Context, token, id string) (*chargeamps.ChargePointSettings, error)
	PutSettings(ctx context.Context, token string, settings *chargeamps.ChargePointSettings) error
	ConnectorSettings(ctx context.Context, token, id string, connectorID int) (*chargeamps.ConnectorSettings, error)
	PutConnectorSettings(ctx context.Context, token string, settings *chargeamps.ConnectorSettings) error
	RemoteStop(ctx context.Context, token, id string, connectorID int) error
	ChargingSessions(ctx context.Context, token, id string, connectorID, maxCount int) ([]chargeamps.ChargingSession, error)
}

// Session is the auth surface the engine needs; *chargeamps.Session
// implements it. Sessions are never shared between devices.
type Session interface {
	Login(ctx context.Context) error
	Renew(ctx context.Context) error
	Token() string
}

// Publisher receives state and event publications. A nil Publisher
// disables publishing. *mqtt.Publisher implements it.
type Publisher interface {
	PublishDeviceState(device string, state *mqtt.DeviceState) error
	PublishPortState(device string, connector int, state *mqtt.PortState) error
	PublishEvent(device string, event mqtt.EventMessage) error
}

// Device is the synchronization engine for one charge point: it owns the
// auth session, the per-connector state, the short poll loop and the hourly
// refresh that rides along with token renewal.
type Device struct {
	name  string
	id    string
	model Model

	session Session
	api     API
	pub     Publisher
	metrics *metrics.Bridge
	logger  *zap.Logger

	mu        sync.RWMutex
	firmware  string
	protocol  string
	dimmer    string
	downLight bool
	ports     []*Port
	outlet    *Port
	online    bool
	lastSync  time.Time

	settle time.Duration

	timerMu    sync.Mutex
	pollTimer  *time.Timer
	renewTimer *time.Timer

	busy    atomic.Bool
	stopped atomic.Bool
}

// NewDevice assembles the engine for one charge point. pub and m may be
// nil; logger must not be.
func NewDevice(name, id string, model Model, sess Session, api API, pub Publisher, m *metrics.Bridge, logger *zap.Logger) *Device {
	d := &Device{
		name:    name,
		id:      id,
		model:   model,
		session: sess,
		api:     api,
		pub:     pub,
		metrics: m,
		logger:  logger.With(zap.String("device", name)),
		settle:  stopSettleDelay,
	}
	for i := 1; i <= model.Ports; i++ {
		d.ports = append(d.ports, newPort(i))
	}
	if model.HasOutlet() {
		d.outlet = newPort(model.OutletConnectorID)
	}
	return d
}

// Name returns the configured device name.
func (d *Device) Name() string { return d.name }

// Model returns the device variant parameters.
func (d *Device) Model() Model { return d.model }

// Start logs in, runs the initial full refresh and arms the poll and
// renewal timers. A login failure is fatal: the device stays down and no
// timer is armed.
func (d *Device) Start(ctx context.Context) error {
	if err := d.session.Login(ctx); err != nil {
		return fmt.Errorf("device %s: %w", d.name, err)
	}
	d.logger.Info("Logged in to Charge Amps cloud")

	d.refresh(ctx)
	d.mu.Lock()
	d.online = true
	d.lastSync = time.Now()
	d.mu.Unlock()
	d.publishState()

	d.schedulePoll(d.model.PollMin)
	d.scheduleRenewal(chargeamps.FirstRenewalAfter)

	d.logger.Info("Device sync started",
		zap.String("model", d.model.Name),
		zap.Int("ports", d.model.Ports),
		zap.Duration("poll_min", d.model.PollMin),
		zap.Duration("poll_max", d.model.PollMax))
	return nil
}

// Stop cancels the timers. An in-flight cycle races to completion and its
// result is discarded harmlessly.
func (d *Device) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	d.timerMu.Lock()
	if d.pollTimer != nil {
		d.pollTimer.Stop()
	}
	if d.renewTimer != nil {
		d.renewTimer.Stop()
	}
	d.timerMu.Unlock()
	d.logger.Info("Device sync stopped")
}

func (d *Device) schedulePoll(delay time.Duration) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if d.stopped.Load() {
		return
	}
	if d.pollTimer != nil {
		d.pollTimer.Stop()
	}
	d.pollTimer = time.AfterFunc(delay, d.pollNow)
}

func (d *Device) scheduleRenewal(delay time.Duration) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if d.stopped.Load() {
		return
	}
	if d.renewTimer != nil {
		d.renewTimer.Stop()
	}
	d.renewTimer = time.AfterFunc(delay, d.renewNow)
}

// pollNow is the short-cycle timer callback. The busy flag serializes
// cycles: when the previous one is still running the tick is skipped and
// the timer re-armed at the fixed retry delay, without touching the cloud.
func (d *Device) pollNow() {
	if d.stopped.Load() {
		return
	}
	if !d.busy.CompareAndSwap(false, true) {
		d.metrics.RecordPoll(d.name, "skipped")
		d.logger.Debug("Previous cycle still running, rescheduling")
		d.schedulePoll(d.model.RetryDelay)
		return
	}
	delay := d.runCycle(context.Background())
	d.busy.Store(false)
	d.schedulePoll(delay)
}

// runCycle executes one short poll cycle and returns the delay until the
// next one: adaptive on success, the model's fixed retry delay when any
// stage failed. Stage failures never abort the remaining stages.
func (d *Device) runCycle(ctx context.Context) time.Duration {
	cycleID := uuid.NewString()
	span := tracer.StartSpan("bridge.poll_cycle",
		tracer.Tag("device", d.name),
		tracer.Tag("cycle_id", cycleID))
	defer span.Finish()

	log := d.logger.With(zap.String("cycle", cycleID))
	start := time.Now()
	ok := true

	if err := d.syncStatus(ctx); err != nil {
		ok = false
		log.Warn("Status stage failed", zap.Error(err))
	}
	if err := d.syncChargingInfo(ctx); err != nil {
		ok = false
		log.Warn("Charging info stage failed", zap.Error(err))
	}

	d.mu.Lock()
	d.online = ok
	d.lastSync = time.Now()
	d.mu.Unlock()

	d.publishState()

	elapsed := time.Since(start)
	if !ok {
		d.metrics.RecordPoll(d.name, "error")
		log.Debug("Cycle finished with errors",
			zap.Duration("elapsed", elapsed),
			zap.Duration("next", d.model.RetryDelay))
		return d.model.RetryDelay
	}

	d.metrics.RecordPoll(d.name, "ok")
	delay := nextDelay(elapsed, d.model.PollMin, d.model.PollMax)
	log.Debug("Cycle finished",
		zap.Duration("elapsed", elapsed),
		zap.Duration("next", delay))
	return delay
}

// renewNow is the renewal timer callback: renew the token (soft failure)
// and run the slow refresh pipeline, then re-arm for the next interval.
func (d *Device) renewNow() {
	if d.stopped.Load() {
		return
	}
	ctx := context.Background()

	if err := d.session.Renew(ctx); err != nil {
		d.metrics.RecordRenewal(d.name, "error")
		d.logger.Warn("Token renewal failed, keeping previous token", zap.Error(err))
	} else {
		d.metrics.RecordRenewal(d.name, "ok")
		d.logger.Debug("Token renewed")
	}

	d.refresh(ctx)
	d.publishState()
	d.scheduleRenewal(chargeamps.RenewalInterval)
}

func (d *Device) token() (string, error) {
	t := d.session.Token()
	if t == "" {
		return "", chargeamps.ErrNotAuthenticated
	}
	return t, nil
}

type firedEvent struct {
	connector int
	event     Event
	kwh       *float64
}

// syncStatus fetches live status and runs each charging connector through
// the state machine, capturing the session counter and power estimate the
// charging-info stage needs.
func (d *Device) syncStatus(ctx context.Context) error {
	token, err := d.token()
	if err != nil {
		return err
	}
	status, err := d.api.Status(ctx, token, d.id)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	var fired []firedEvent
	var missing []int

	d.mu.Lock()
	for _, p := range d.ports {
		cs, ok := status.Connector(p.connector)
		if !ok {
			missing = append(missing, p.connector)
			continue
		}
		if ev := p.applyStatus(cs); ev != "" {
			fe := firedEvent{connector: p.connector, event: ev}
			if ev == EventChargingCompleted {
				kwh := round2(p.nowKwh)
				fe.kwh = &kwh
			}
			fired = append(fired, fe)
		}
	}
	d.mu.Unlock()

	for _, c := range missing {
		d.logger.Warn("Status response missing connector, keeping previous state", zap.Int("connector", c))
	}
	for _, f := range fired {
		d.fireEvent(f.connector, f.event, f.kwh)
	}
	return nil
}

// syncChargingInfo fetches the two newest session rows per connector and
// folds them into the consumption ledgers.
func (d *Device) syncChargingInfo(ctx context.Context) error {
	token, err := d.token()
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range d.ports {
		d.mu.RLock()
		connector := p.connector
		nowKwh := p.nowKwh
		d.mu.RUnlock()

		rows, err := d.api.ChargingSessions(ctx, token, d.id, connector, 2)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("charging sessions: %w", err)
			}
			d.logger.Warn("Charging session fetch failed", zap.Int("connector", connector), zap.Error(err))
			continue
		}

		d.mu.Lock()
		delta, backwards := p.ledger.Update(nowKwh, rows)
		meter := p.ledger.MeterKwh
		d.mu.Unlock()

		if backwards {
			d.logger.Warn("Session energy counter went backwards, applying as-is",
				zap.Int("connector", connector),
				zap.Float64("delta_kwh", delta))
		}
		d.metrics.SetMeter(d.name, strconv.Itoa(connector), meter)
	}
	return firstErr
}

// refresh runs the slow pipeline: device inventory, light and outlet
// settings, per-connector settings, then session history. Each stage is
// guarded so a failure cannot starve the stages after it. Runs once at
// startup and then hourly alongside token renewal.
func (d *Device) refresh(ctx context.Context) {
	span := tracer.StartSpan("bridge.refresh", tracer.Tag("device", d.name))
	defer span.Finish()

	if err := d.syncOwnedInfo(ctx); err != nil {
		d.logger.Warn("Device info stage failed", zap.Error(err))
	}
	if d.model.HasDimmer || d.model.HasDownLight {
		if err := d.syncLightInfo(ctx); err != nil {
			d.logger.Warn("Light settings stage failed", zap.Error(err))
		}
	}
	if d.model.HasOutlet() {
		if err := d.syncOutletInfo(ctx); err != nil {
			d.logger.Warn("Outlet settings stage failed", zap.Error(err))
		}
	}
	if err := d.syncConnectorSettings(ctx); err != nil {
		d.logger.Warn("Connector settings stage failed", zap.Error(err))
	}
	if err := d.syncChargingInfo(ctx); err != nil {
		d.logger.Warn("Charging info stage failed", zap.Error(err))
	}
}

func (d *Device) syncOwnedInfo(ctx context.Context) error {
	token, err := d.token()
	if err != nil {
		return err
	}
	points, err := d.api.OwnedChargePoints(ctx, token)
	if err != nil {
		return fmt.Errorf("owned charge points: %w", err)
	}

	for _, cp := range points {
		if cp.ID != d.id {
			continue
		}
		d.mu.Lock()
		d.firmware = cp.FirmwareVersion
		d.protocol = cp.Protocol()
		d.mu.Unlock()
		return nil
	}
	return fmt.Errorf("charge point %s is not registered to this account", d.id)
}

func (d *Device) syncLightInfo(ctx context.Context) error {
	token, err := d.token()
	if err != nil {
		return err
	}
	settings, err := d.api.Settings(ctx, token, d.id)
	if err != nil {
		return fmt.Errorf("get settings: %w", err)
	}

	d.mu.Lock()
	d.dimmer = settings.Dimmer
	d.downLight = settings.DownLight
	d.mu.Unlock()
	return nil
}

func (d *Device) syncOutletInfo(ctx context.Context) error {
	token, err := d.token()
	if err != nil {
		return err
	}
	settings, err := d.api.ConnectorSettings(ctx, token, d.id, d.model.OutletConnectorID)
	if err != nil {
		return fmt.Errorf("get outlet settings: %w", err)
	}

	d.mu.Lock()
	events := d.outlet.applyOutletSettings(settings)
	d.mu.Unlock()

	for _, ev := range events {
		d.fireEvent(d.model.OutletConnectorID, ev, nil)
	}
	return nil
}

func (d *Device) syncConnectorSettings(ctx context.Context) error {
	token, err := d.token()
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range d.ports {
		settings, err := d.api.ConnectorSettings(ctx, token, d.id, p.connector)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("connector settings: %w", err)
			}
			d.logger.Warn("Connector settings fetch failed", zap.Int("connector", p.connector), zap.Error(err))
			continue
		}

		d.mu.Lock()
		events := p.applySettings(settings, d.model.HasCableLock)
		d.mu.Unlock()

		for _, ev := range events {
			d.fireEvent(p.connector, ev, nil)
		}
	}
	return firstErr
}

func (d *Device) port(connector int) (*Port, error) {
	for _, p := range d.ports {
		if p.connector == connector {
			return p, nil
		}
	}
	return nil, fmt.Errorf("device %s has no connector %d", d.name, connector)
}

// SetCurrent sets the charging current limit of one connector.
func (d *Device) SetCurrent(connector int, amps float64) error {
	p, err := d.port(connector)
	if err != nil {
		return err
	}
	if amps <= 0 {
		return fmt.Errorf("current must be positive, got %.1f", amps)
	}

	d.mu.Lock()
	p.currentLimit = amps
	tuple := p.settingsTuple(d.id, d.model.HasCableLock)
	d.mu.Unlock()

	d.publishState()
	d.asyncWrite("set_current", func(ctx context.Context, token string) error {
		return d.api.PutConnectorSettings(ctx, token, tuple)
	})
	return nil
}

// SetMode switches charging on or off on one connector. Turning a
// connector off issues a best-effort remote stop, waits for the charge
// point to settle and then writes the settings tuple unconditionally.
func (d *Device) SetMode(connector int, on bool) error {
	p, err := d.port(connector)
	if err != nil {
		return err
	}

	d.mu.Lock()
	changed := p.on != on
	p.on = on
	tuple := p.settingsTuple(d.id, d.model.HasCableLock)
	d.mu.Unlock()

	if changed {
		d.fireEvent(connector, onOffEvent(EventSwitchedOn, EventSwitchedOff, on), nil)
	}
	d.publishState()

	d.asyncWrite("set_mode", func(ctx context.Context, token string) error {
		if !on {
			if err := d.api.RemoteStop(ctx, token, d.id, connector); err != nil {
				d.logger.Warn("Remote stop failed, writing settings anyway",
					zap.Int("connector", connector), zap.Error(err))
			}
			time.Sleep(d.settle)
		}
		return d.api.PutConnectorSettings(ctx, token, tuple)
	})
	return nil
}

// SetRFIDLock toggles RFID authorization on one connector.
func (d *Device) SetRFIDLock(connector int, enabled bool) error {
	p, err := d.port(connector)
	if err != nil {
		return err
	}

	d.mu.Lock()
	changed := p.rfidLock != enabled
	p.rfidLock = enabled
	tuple := p.settingsTuple(d.id, d.model.HasCableLock)
	d.mu.Unlock()

	if changed {
		d.fireEvent(connector, onOffEvent(EventRFIDSwitchedOn, EventRFIDSwitchedOff, enabled), nil)
	}
	d.publishState()

	d.asyncWrite("set_rfid", func(ctx context.Context, token string) error {
		return d.api.PutConnectorSettings(ctx, token, tuple)
	})
	return nil
}

// SetCableLock toggles the cable lock. Variants without the hardware
// reject the command locally; no network call is made.
func (d *Device) SetCableLock(connector int, locked bool) error {
	if !d.model.HasCableLock {
		return fmt.Errorf("device %s (%s) has no cable lock", d.name, d.model.Name)
	}
	p, err := d.port(connector)
	if err != nil {
		return err
	}

	d.mu.Lock()
	changed := p.cableLock != locked
	p.cableLock = locked
	tuple := p.settingsTuple(d.id, d.model.HasCableLock)
	d.mu.Unlock()

	if changed {
		d.fireEvent(connector, onOffEvent(EventCableLockSwitchedOn, EventCableLockSwitchedOff, locked), nil)
	}
	d.publishState()

	d.asyncWrite("set_cable_lock", func(ctx context.Context, token string) error {
		return d.api.PutConnectorSettings(ctx, token, tuple)
	})
	return nil
}

// SetLight adjusts the LED ring dimmer and/or the ground light with a
// single device-level settings write. Unsupported features are rejected
// locally; no network call is made.
func (d *Device) SetLight(dimmer string, downLight *bool) error {
	if dimmer == "" && downLight == nil {
		return fmt.Errorf("device %s: no light change requested", d.name)
	}
	if dimmer != "" && !d.model.HasDimmer {
		return fmt.Errorf("device %s (%s) has no LED dimmer", d.name, d.model.Name)
	}
	if downLight != nil && !d.model.HasDownLight {
		return fmt.Errorf("device %s (%s) has no ground light", d.name, d.model.Name)
	}
	if dimmer != "" && !validDimmer(dimmer) {
		return fmt.Errorf("invalid dimmer level %q", dimmer)
	}

	d.mu.Lock()
	if dimmer != "" {
		d.dimmer = dimmer
	}
	if downLight != nil {
		d.downLight = *downLight
	}
	settings := &chargeamps.ChargePointSettings{ID: d.id, Dimmer: d.dimmer, DownLight: d.downLight}
	d.mu.Unlock()

	d.publishState()
	d.asyncWrite("set_light", func(ctx context.Context, token string) error {
		return d.api.PutSettings(ctx, token, settings)
	})
	return nil
}

// SetOutlet switches the auxiliary mains outlet on variants that have one.
func (d *Device) SetOutlet(on bool) error {
	if !d.model.HasOutlet() {
		return fmt.Errorf("device %s (%s) has no outlet", d.name, d.model.Name)
	}

	d.mu.Lock()
	changed := d.outlet.on != on
	d.outlet.on = on
	tuple := d.outlet.settingsTuple(d.id, false)
	d.mu.Unlock()

	if changed {
		d.fireEvent(d.model.OutletConnectorID, onOffEvent(EventOutletSwitchedOn, EventOutletSwitchedOff, on), nil)
	}
	d.publishState()

	d.asyncWrite("set_outlet", func(ctx context.Context, token string) error {
		return d.api.PutConnectorSettings(ctx, token, tuple)
	})
	return nil
}

func validDimmer(level string) bool {
	switch level {
	case chargeamps.DimmerOff, chargeamps.DimmerLow, chargeamps.DimmerMedium, chargeamps.DimmerHigh:
		return true
	}
	return false
}

// asyncWrite runs a remote write in the background, fire-and-log: the
// optimistic local value is already visible and a failed write is corrected
// by the next poll cycle instead of being surfaced to the caller.
func (d *Device) asyncWrite(op string, fn func(ctx context.Context, token string) error) {
	go func() {
		span := tracer.StartSpan("bridge.command",
			tracer.Tag("device", d.name),
			tracer.Tag("op", op))
		defer span.Finish()

		token, err := d.token()
		if err != nil {
			d.logger.Warn("Dropping remote write", zap.String("op", op), zap.Error(err))
			return
		}
		if err := fn(context.Background(), token); err != nil {
			d.logger.Warn("Remote write failed, next poll will reconcile",
				zap.String("op", op), zap.Error(err))
		}
	}()
}

func (d *Device) fireEvent(connector int, ev Event, kwh *float64) {
	d.metrics.RecordEvent(d.name, string(ev))
	d.logger.Info("Event fired", zap.String("event", string(ev)), zap.Int("connector", connector))

	if d.pub == nil {
		return
	}
	msg := mqtt.EventMessage{Event: string(ev), Connector: connector, Kwh: kwh}
	if err := d.pub.PublishEvent(d.name, msg); err != nil {
		d.logger.Warn("Event publish failed", zap.String("event", string(ev)), zap.Error(err))
	}
}

// publishState pushes the full device and per-port state to the publisher.
func (d *Device) publishState() {
	if d.pub == nil {
		return
	}
	snap := d.Snapshot()

	state := &mqtt.DeviceState{
		Online:        snap.Online,
		Firmware:      snap.Firmware,
		Protocol:      snap.Protocol,
		Dimmer:        snap.Dimmer,
		DownLight:     snap.DownLight,
		OutletOn:      snap.OutletOn,
		TotalPowerKw:  snap.TotalPowerKw,
		TotalMeterKwh: snap.TotalMeterKwh,
	}
	if err := d.pub.PublishDeviceState(d.name, state); err != nil {
		d.logger.Warn("Device state publish failed", zap.Error(err))
	}

	for _, ps := range snap.Ports {
		port := &mqtt.PortState{
			ConnectionState: string(ps.ConnectionState),
			On:              ps.On,
			CurrentLimitA:   ps.CurrentLimitA,
			RFIDLock:        ps.RFIDLock,
			CableLock:       ps.CableLock,
			NowKwh:          ps.NowKwh,
			LastSessionKwh:  ps.LastSessionKwh,
			MeterKwh:        ps.MeterKwh,
			PowerKw:         ps.PowerKw,
		}
		if err := d.pub.PublishPortState(d.name, ps.Connector, port); err != nil {
			d.logger.Warn("Port state publish failed", zap.Int("connector", ps.Connector), zap.Error(err))
		}
	}
}

// Snapshot copies the device state for the API and CLI. Aggregate power
// and meter figures are the pairwise sum over the charging ports.
func (d *Device) Snapshot() DeviceSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := DeviceSnapshot{
		Name:     d.name,
		ID:       d.id,
		Model:    d.model.Name,
		Firmware: d.firmware,
		Protocol: d.protocol,
		Online:   d.online,
		LastSync: d.lastSync,
	}
	if d.model.HasDimmer {
		snap.Dimmer = d.dimmer
	}
	if d.model.HasDownLight {
		v := d.downLight
		snap.DownLight = &v
	}
	if d.outlet != nil {
		v := d.outlet.on
		snap.OutletOn = &v
	}

	for _, p := range d.ports {
		ps := p.snapshot()
		snap.TotalPowerKw += ps.PowerKw
		snap.TotalMeterKwh += ps.MeterKwh
		snap.Ports = append(snap.Ports, ps)
	}
	return snap
}
