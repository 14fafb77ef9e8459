package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	r := prometheus.NewRegistry()
	Register(r)
	assert.Equal(t, r, GetRegisterer())

	DeliveryTotal.WithLabelValues("local").Inc()
	PoolConnections.WithLabelValues(PoolStateLive).Set(3)

	families, err := r.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "chat_delivery_total")
	assert.Contains(t, names, "chat_pool_connections")
}
