package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		verbosity int
		want      logrus.Level
	}{
		{0, logrus.ErrorLevel},
		{1, logrus.ErrorLevel},
		{2, logrus.WarnLevel},
		{3, logrus.InfoLevel},
		{4, logrus.DebugLevel},
		{9, logrus.DebugLevel},
	}
	for _, tc := range cases {
		if got := newLogger(tc.verbosity, &bytes.Buffer{}).GetLevel(); got != tc.want {
			t.Errorf("verbosity %d: level = %v, want %v", tc.verbosity, got, tc.want)
		}
	}
}

func TestConfigFinishWritesMetrics(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.MetricsPath = filepath.Join(t.TempDir(), "metrics", "unicore.prom")
	cfg.Metrics.addLookup("hit", 3)
	cfg.Metrics.addColumns(5, 2)

	if err := cfg.finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got := readFile(t, cfg.MetricsPath)
	for _, want := range []string{
		`unicore_lookup_sequences_total{result="hit"} 3`,
		`unicore_filter_columns_total{result="dropped"} 2`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("metrics missing %q:\n%s", want, got)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *runMetrics
	m.addLookup("hit", 1)
	m.addQuery(true)
	m.addBlock()
	m.addColumns(1, 1)
	m.addStaged("written", 1)

	cfg := Config{}
	if err := cfg.finish(); err != nil {
		t.Fatalf("finish without metrics: %v", err)
	}
}
