package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// runMetrics holds the counters of one invocation in a private registry so
// repeated runs in one process never collide.
type runMetrics struct {
	registry *prometheus.Registry
	lookup   *prometheus.CounterVec
	queries  *prometheus.CounterVec
	blocks   prometheus.Counter
	columns  *prometheus.CounterVec
	staged   *prometheus.CounterVec
}

func newRunMetrics() *runMetrics {
	m := &runMetrics{
		registry: prometheus.NewRegistry(),
		lookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unicore_lookup_sequences_total",
			Help: "Sequences routed by the lookup splitter, by result.",
		}, []string{"result"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unicore_profile_queries_total",
			Help: "Query groups classified by the profiler.",
		}, []string{"class"}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unicore_combine_blocks_total",
			Help: "Alignment blocks appended to the supermatrix.",
		}),
		columns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unicore_filter_columns_total",
			Help: "Alignment columns seen by the column filter, by result.",
		}, []string{"result"}),
		staged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unicore_createdb_sequences_total",
			Help: "Input sequences seen while staging a database, by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.lookup, m.queries, m.blocks, m.columns, m.staged)
	return m
}

func (m *runMetrics) addLookup(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.lookup.WithLabelValues(result).Add(float64(n))
}

func (m *runMetrics) addQuery(core bool) {
	if m == nil {
		return
	}
	class := "rejected"
	if core {
		class = "core"
	}
	m.queries.WithLabelValues(class).Inc()
}

func (m *runMetrics) addBlock() {
	if m == nil {
		return
	}
	m.blocks.Inc()
}

func (m *runMetrics) addColumns(kept, dropped int) {
	if m == nil {
		return
	}
	m.columns.WithLabelValues("kept").Add(float64(kept))
	m.columns.WithLabelValues("dropped").Add(float64(dropped))
}

func (m *runMetrics) addStaged(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.staged.WithLabelValues(outcome).Add(float64(n))
}

func (m *runMetrics) writeTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
