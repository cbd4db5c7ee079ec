package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RegistryChanged("register", 1)
	c.RegistryChanged("register", 2)
	c.RegistryChanged("unregister", 1)
	c.OverrideResolved("video_conversion", "override")
	c.StatusChanged("loaded")
	c.StatusChanged("loaded")
	c.ConstructionFailed("video_conversion")

	require.Equal(t, 1.0, testutil.ToFloat64(c.registryEntries))
	require.Equal(t, 2.0, testutil.ToFloat64(c.registryOperations.WithLabelValues("register")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.overrideResolutions.WithLabelValues("video_conversion", "override")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.statusTransitions.WithLabelValues("loaded")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.constructionErrors.WithLabelValues("video_conversion")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.RegistryChanged("register", 1)
		c.OverrideResolved("video_conversion", "default")
		c.StatusChanged("loaded")
		c.ConstructionFailed("video_conversion")
	})
}
