package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test")
	require.NoError(t, m.Register(reg))

	m.RecordPackOpen("standard", "success", 20*time.Millisecond)
	m.RecordPull("standard", "rare", true)
	m.RecordPull("standard", "common", false)
	m.RecordDBQuery("lock_account", time.Millisecond, errors.New("x"))
	m.SetLedgerDrift(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PackOpens.WithLabelValues("standard", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PityGuarantees.WithLabelValues("rare")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PityGuarantees.WithLabelValues("common")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DBQueryTotal.WithLabelValues("lock_account", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LedgerDrift))

	// double registration is refused
	assert.Error(t, m.Register(reg))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *EngineMetrics
	m.RecordPackOpen("p", "success", time.Second)
	m.RecordPull("p", "rare", true)
	m.RecordSupplyRetry("tier")
	m.RecordTxRetry()
	m.RecordDBQuery("op", time.Second, nil)
	m.RecordCache("redis", true)
	m.SetLedgerDrift(1)
	m.RecordConfigReload(nil)
}
