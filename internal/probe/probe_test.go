package probe

import (
	"arpguard/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertWireFormat(t *testing.T) {
	alert := &model.Alert{
		ID:        "0b6c5c3e-1",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 250_000_000, time.UTC),
		Module:    model.ModuleHeuristic,
		Reason:    "gratuitous burst",
		SrcIP:     "192.168.1.1",
		SrcMAC:    "02:00:00:00:00:01",
		Severity:  0.9,
		Features:  map[string]float64{"gratuitous": 1, "log_rate": 3.7},
	}
	data, err := EncodeAlert(alert)
	require.NoError(t, err)

	got, err := DecodeAlert(data)
	require.NoError(t, err)
	assert.Equal(t, alert, got)
}

func TestDecodeAlertRejectsGarbage(t *testing.T) {
	_, err := DecodeAlert([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
