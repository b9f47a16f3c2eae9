package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m.Epoch == nil || m.StateCounter == nil || m.CommandsSent == nil {
		t.Fatal("NewMetricsWithRegistry left core collectors nil")
	}
}

func TestObserveHandshakeSetsEpochAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ObserveHandshake(1)
	m.ObserveHandshake(2)

	if got := testutil.ToFloat64(m.Epoch); got != 2 {
		t.Errorf("Epoch = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HandshakesTotal); got != 2 {
		t.Errorf("HandshakesTotal = %v, want 2", got)
	}
}

func TestObserveCommandReceivedSplitsOkAndFail(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ObserveCommandReceived(true)
	m.ObserveCommandReceived(false)
	m.ObserveCommandReceived(false)

	if got := testutil.ToFloat64(m.CommandsReceivedOK); got != 1 {
		t.Errorf("CommandsReceivedOK = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CommandsReceivedFail); got != 2 {
		t.Errorf("CommandsReceivedFail = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AEADFailures); got != 2 {
		t.Errorf("AEADFailures = %v, want 2 (every failed receive counts as an AEAD failure)", got)
	}
}

func TestObserveStateCounterAndOrderGap(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ObserveStateCounter(42)
	m.ObserveOrderGap()

	if got := testutil.ToFloat64(m.StateCounter); got != 42 {
		t.Errorf("StateCounter = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.OrderGaps); got != 1 {
		t.Errorf("OrderGaps = %v, want 1", got)
	}
}

func TestObserveLedgerFetchAndRetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ObserveLedgerFetch(50 * time.Millisecond)
	m.ObserveLedgerRetry()
	m.ObserveLedgerRetry()

	if got := testutil.ToFloat64(m.LedgerRetries); got != 2 {
		t.Errorf("LedgerRetries = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.LedgerFetchLatency); got != 1 {
		t.Errorf("LedgerFetchLatency collected metric count = %d, want 1", got)
	}
}

func TestSetRosterSizeAndCounterCacheSize(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetRosterSize(4)
	m.SetCounterCacheSize(3)

	if got := testutil.ToFloat64(m.RosterSize); got != 4 {
		t.Errorf("RosterSize = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.CounterCacheSize); got != 3 {
		t.Errorf("CounterCacheSize = %v, want 3", got)
	}
}
