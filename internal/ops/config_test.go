package ops

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/pkg/backoff"
)

const validConfig = `{
	"engine": {"ackTimeout": "3s", "retention": "10m", "checkpointInterval": "1m"},
	"reconcile": {"interval": "15s", "grace": "2s", "epsilon": "0.00000001"},
	"exchanges": [
		{
			"name": "paper",
			"ratePerSecond": 10,
			"burst": 5,
			"maxWait": "500ms",
			"callTimeout": "2s",
			"balances": {"USDT": "1000", "BTC": "0.5"},
			"chaos": {"seed": 7, "dropRate": 0.01}
		},
		{
			"name": "paper-b",
			"ratePerSecond": 20,
			"burst": 10,
			"maxWait": "1s",
			"callTimeout": "1s",
			"degradedAfter": 2,
			"downAfter": 4,
			"backoff": {"min": "100ms", "max": "3s", "factor": 2}
		}
	],
	"risk": {"maxOrderNotional": "5000", "orderRateLimit": 20, "orderRateWindow": "1s"},
	"persistence": {"driver": "sqlite", "path": "engine.db"},
	"kafka": {"brokers": ["localhost:9092"], "topic": "engine.notifications"},
	"admin": {"addr": ":8080"}
}`

func TestParse(t *testing.T) {
	loaded, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, loaded.Engine.AckTimeout)
	assert.Equal(t, 10*time.Minute, loaded.Engine.Retention)
	assert.Equal(t, time.Second, loaded.Engine.MaintainInterval)
	assert.Equal(t, time.Minute, loaded.Engine.CheckpointInterval)

	assert.Equal(t, 15*time.Second, loaded.Reconcile.Interval)
	assert.Equal(t, 2*time.Second, loaded.Reconcile.Grace)
	assert.True(t, loaded.Reconcile.Epsilon.Equal(adapter.MustDecimal("0.00000001")))

	require.Len(t, loaded.Exchanges, 2)
	a, b := loaded.Exchanges[0], loaded.Exchanges[1]
	assert.Equal(t, "paper", a.Connector.Exchange)
	assert.Equal(t, 500*time.Millisecond, a.Connector.MaxWait)
	assert.Equal(t, 3, a.Connector.DegradedAfter)
	assert.Equal(t, 6, a.Connector.DownAfter)
	assert.Equal(t, backoff.Default(), a.Connector.Backoff)
	assert.True(t, a.Balances["BTC"].Equal(adapter.MustDecimal("0.5")))
	require.NotNil(t, a.Chaos)
	assert.EqualValues(t, 7, a.Chaos.Seed)
	assert.Equal(t, 1, a.Chaos.ReorderWindow)

	assert.Equal(t, 4, b.Connector.DownAfter)
	assert.Equal(t, 100*time.Millisecond, b.Connector.Backoff.Min)
	assert.Nil(t, b.Chaos)

	require.NotNil(t, loaded.Risk)
	assert.True(t, loaded.Risk.MaxOrderNotional.Equal(adapter.MustDecimal("5000")))
	assert.True(t, loaded.Risk.MaxOrderQuantity.IsZero())
	assert.Equal(t, time.Second, loaded.Risk.OrderRateWindow)

	assert.Equal(t, DriverSQLite, loaded.Persistence.Driver)
	assert.Equal(t, "engine.db", loaded.Persistence.Option.Path)
	require.NotNil(t, loaded.Kafka)
	assert.Equal(t, 4096, loaded.Kafka.QueueSize)
	assert.Equal(t, ":8080", loaded.Admin.Addr)
	assert.Nil(t, loaded.Profiler)
}

func TestParseRejects(t *testing.T) {
	testCases := []struct {
		desc    string
		replace [2]string
	}{
		{desc: "missing ack timeout", replace: [2]string{`"ackTimeout": "3s", `, ""}},
		{desc: "missing reconcile interval", replace: [2]string{`"interval": "15s", `, ""}},
		{desc: "missing rate budget", replace: [2]string{`"ratePerSecond": 10,`, ""}},
		{desc: "bad duration", replace: [2]string{`"3s"`, `"three seconds"`}},
		{desc: "numeric duration", replace: [2]string{`"3s"`, `3`}},
		{desc: "negative epsilon", replace: [2]string{`"0.00000001"`, `"-1"`}},
		{desc: "duplicate exchange", replace: [2]string{`"paper-b"`, `"paper"`}},
		{desc: "thresholds inverted", replace: [2]string{`"downAfter": 4`, `"downAfter": 1`}},
		{desc: "bad chaos", replace: [2]string{`"dropRate": 0.01`, `"dropRate": 2`}},
		{desc: "unknown driver", replace: [2]string{`"sqlite"`, `"mysql"`}},
		{desc: "sqlite without path", replace: [2]string{`"path": "engine.db"`, `"path": ""`}},
		{desc: "risk rate without window", replace: [2]string{`, "orderRateWindow": "1s"`, ""}},
		{desc: "kafka without topic", replace: [2]string{`"engine.notifications"`, `""`}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			doc := strings.Replace(validConfig, tc.replace[0], tc.replace[1], 1)
			require.NotEqual(t, validConfig, doc)
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestParseDefaultsToMemory(t *testing.T) {
	loaded, err := Parse([]byte(`{
		"engine": {"ackTimeout": "1s"},
		"reconcile": {"interval": "1s"},
		"exchanges": [{"name": "paper", "ratePerSecond": 1, "burst": 1, "maxWait": "1s", "callTimeout": "1s"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, loaded.Persistence.Driver)
	assert.Nil(t, loaded.Kafka)
	assert.Nil(t, loaded.Risk)
	assert.True(t, loaded.Reconcile.Epsilon.IsZero())
}

func TestParseFileDriver(t *testing.T) {
	doc := strings.Replace(validConfig, `"driver": "sqlite", "path": "engine.db"`, `"driver": "file", "path": "journal", "syncEveryAppend": true`, 1)
	loaded, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, DriverFile, loaded.Persistence.Driver)
	assert.Equal(t, "journal", loaded.Persistence.File.Dir)
	assert.True(t, loaded.Persistence.File.SyncEveryAppend)

	_, err = Parse([]byte(strings.Replace(doc, `"path": "journal"`, `"path": ""`, 1)))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Exchanges, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
