package bridge

import (
	"math"

	"chargeamps-bridge/internal/chargeamps"
)

// Ledger turns the vendor's per-session cumulative energy counter into a
// running lifetime meter and the published per-session figures for one
// connector. It holds no locks; the owning Device serializes access.
type Ledger struct {
	// MeterKwh is the locally accumulated lifetime total, built by summing
	// successive session deltas. It starts at zero on every process start.
	MeterKwh float64
	// NowKwh is the published "now charged" figure for the active session.
	NowKwh float64
	// LastKwh is the published total of the most recent completed session.
	LastKwh float64
	// PowerKw is the published live charging power.
	PowerKw float64

	// meterRaw carries full precision so repeated rounding cannot drift the
	// exported total.
	meterRaw   float64
	prevKwh    float64
	estimateKw float64
}

// ObservePower folds the status call's phase measurements into the live
// power estimate: the sum of current*voltage over the first three entries.
// An empty measurement list keeps the previous estimate.
func (l *Ledger) ObservePower(measurements []chargeamps.Measurement) {
	if len(measurements) == 0 {
		return
	}
	n := len(measurements)
	if n > 3 {
		n = 3
	}
	var watts float64
	for _, m := range measurements[:n] {
		watts += m.Current * m.Voltage
	}
	l.estimateKw = watts / 1000
}

// Update folds one session-history read into the ledger. nowKwh is the
// session counter from the most recent status call; sessions are the
// history rows, newest first.
//
// With no active session the previous counter resets, the first history row
// becomes "last charged" (zero when history is empty) and the live power
// reads zero; the meter is untouched. With a session active the counter
// delta is added to the meter, the second history row (the last completed
// one) becomes "last charged" when present, and the live power takes the
// current estimate.
//
// Update returns the meter delta it applied and whether the counter moved
// backwards. A backwards counter means the vendor reset it mid-session;
// the delta is applied as-is and the caller is expected to log it.
func (l *Ledger) Update(nowKwh float64, sessions []chargeamps.ChargingSession) (delta float64, backwards bool) {
	l.NowKwh = round2(nowKwh)

	if nowKwh == 0 {
		l.prevKwh = 0
		if len(sessions) > 0 {
			l.LastKwh = round2(sessions[0].TotalConsumptionKwh)
		} else {
			l.LastKwh = 0
		}
		l.PowerKw = 0
		return 0, false
	}

	delta = nowKwh - l.prevKwh
	l.meterRaw += delta
	l.MeterKwh = round2(l.meterRaw)
	l.prevKwh = nowKwh
	if len(sessions) > 1 {
		l.LastKwh = round2(sessions[1].TotalConsumptionKwh)
	}
	l.PowerKw = round2(l.estimateKw)
	return delta, delta < 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
