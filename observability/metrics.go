package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// WriteMetrics writes every metric in g to path in the Prometheus text
// format, replacing the file atomically. An empty path is a no-op.
func WriteMetrics(g prometheus.Gatherer, path string) error {
	if path == "" {
		return nil
	}

	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}

	return nil
}
