package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func profileFixture(t *testing.T, mapping, hits string) profileConfig {
	t.Helper()
	dir := t.TempDir()
	return profileConfig{
		MappingPath: writeFile(t, filepath.Join(dir, "db.map"), mapping),
		HitsPath:    writeFile(t, filepath.Join(dir, "hits.tsv"), hits),
		OutDir:      filepath.Join(dir, "out"),
		Threshold:   80,
		CopyReport:  true,
	}
}

func TestProfileAcceptsAtThreshold(t *testing.T) {
	mapping := "gA\tA\ngB\tB\ngC1\tC\ngC2\tC\ngD\tD\n"
	hits := "q-core1\tgA\nq-core1\tgB\nq-core1\tgC1\nq-core1\tgC2\n"
	pc := profileFixture(t, mapping, hits)
	pc.Threshold = 50
	cfg, logs := testConfig(t)

	res, err := profileCoreGenes(cfg, pc)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if res.Candidates != 1 || res.Core != 1 {
		t.Fatalf("candidates=%d core=%d, want 1/1", res.Candidates, res.Core)
	}
	if got := readFile(t, filepath.Join(pc.OutDir, "core1.txt")); got != "gA\tA\ngB\tB\n" {
		t.Fatalf("membership = %q", got)
	}
	if got := readFile(t, filepath.Join(pc.OutDir, "copiness.tsv")); got != copyReportHeader+"q-core1\t75\t50\n" {
		t.Fatalf("copiness = %q", got)
	}

	out := logs.String()
	for _, sp := range []string{"C", "D"} {
		if !strings.Contains(out, "Species "+sp+" has only 0 core genes out of 1 core genes") {
			t.Errorf("missing low coverage warning for %s in:\n%s", sp, out)
		}
	}
	if strings.Contains(out, "Species A has only") {
		t.Errorf("unexpected warning for A:\n%s", out)
	}
	if !strings.Contains(out, "1 core genes found from 1 candidates") {
		t.Errorf("missing summary in:\n%s", out)
	}
}

func TestProfileEndToEnd(t *testing.T) {
	mapping := "g1\tspA\torig1\ng2\tspA\torig2\ng3\tspB\torig3\n"
	hits := "q1\tg1\t0.9\nq1\tg3\t0.8\nq2\tg2\t0.7\n"
	pc := profileFixture(t, mapping, hits)
	pc.Threshold = 100
	cfg, _ := testConfig(t)

	res, err := profileCoreGenes(cfg, pc)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if strings.Join(res.Accepted, ",") != "q1" {
		t.Fatalf("accepted = %v, want [q1]", res.Accepted)
	}
	if got := readFile(t, filepath.Join(pc.OutDir, "q1.txt")); got != "g1\tspA\ng3\tspB\n" {
		t.Fatalf("q1 membership = %q", got)
	}
	if _, err := os.Stat(filepath.Join(pc.OutDir, "q2.txt")); !os.IsNotExist(err) {
		t.Fatalf("q2 membership should not exist, stat err = %v", err)
	}
	if got := testutil.ToFloat64(cfg.Metrics.queries.WithLabelValues("core")); got != 1 {
		t.Fatalf("core metric = %v", got)
	}
	if got := testutil.ToFloat64(cfg.Metrics.queries.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("rejected metric = %v", got)
	}
}

func TestProfileIgnoresUnmappedTargets(t *testing.T) {
	pc := profileFixture(t, "g1\tspA\ng2\tspB\n", "q1\tg1\nq1\tunknown\nq1\tg2\n")
	pc.Threshold = 100
	cfg, _ := testConfig(t)

	res, err := profileCoreGenes(cfg, pc)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if res.Core != 1 {
		t.Fatalf("core = %d, want 1", res.Core)
	}
}

func TestProfileIsIdempotent(t *testing.T) {
	mapping := "g1\tspA\ng2\tspA\ng3\tspB\ng4\tspC\n"
	hits := "x-a\tg1\nx-a\tg3\nx-a\tg4\nx-b\tg1\nx-b\tg2\nx-b\tg3\n"
	pc := profileFixture(t, mapping, hits)
	pc.Threshold = 60
	cfg, _ := testConfig(t)

	first := pc
	second := pc
	second.OutDir = pc.OutDir + "-again"
	for _, run := range []profileConfig{first, second} {
		if _, err := profileCoreGenes(cfg, run); err != nil {
			t.Fatalf("profile: %v", err)
		}
	}
	for _, name := range []string{"a.txt", "copiness.tsv"} {
		a := readFile(t, filepath.Join(first.OutDir, name))
		b := readFile(t, filepath.Join(second.OutDir, name))
		if a != b {
			t.Fatalf("%s differs between runs:\n%q\n%q", name, a, b)
		}
	}
}

func TestProfileShortHitRow(t *testing.T) {
	pc := profileFixture(t, "g1\tspA\n", "q1\tg1\nq2\n")
	cfg, _ := testConfig(t)

	_, err := profileCoreGenes(cfg, pc)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("err = %v, want parse error on line 2", err)
	}
}

func TestProfileRejectsBadThreshold(t *testing.T) {
	pc := profileFixture(t, "g1\tspA\n", "q1\tg1\n")
	pc.Threshold = 101
	cfg, _ := testConfig(t)
	if _, err := profileCoreGenes(cfg, pc); err == nil {
		t.Fatal("expected threshold error")
	}
}

func TestClassifyUnknownSpecies(t *testing.T) {
	cfg, _ := testConfig(t)
	p := &coreProfiler{
		cfg:     cfg,
		pc:      profileConfig{OutDir: t.TempDir(), Threshold: 0},
		mapping: &geneSpeciesMap{universe: map[string]struct{}{"A": {}}},
		result:  profileResult{SpeciesCore: map[string]int{"A": 0}},
	}
	g := newQueryGroup()
	g.reset("q")
	g.add("t1", []string{"Z"})
	if err := p.classify(g); !errors.Is(err, errUnknownSpecies) {
		t.Fatalf("err = %v, want errUnknownSpecies", err)
	}
}

func TestMembershipName(t *testing.T) {
	cases := map[string]string{
		"prefix-gene-extra": "gene",
		"plain":             "plain",
		"trailing-":         "trailing-",
	}
	for in, want := range cases {
		if got := membershipName(in); got != want {
			t.Errorf("membershipName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProfileCopyReportParquet(t *testing.T) {
	pc := profileFixture(t, "g1\tspA\ng2\tspB\n", "q1\tg1\nq1\tg2\nq2\tg1\n")
	pc.Threshold = 100
	pc.ParquetPath = filepath.Join(t.TempDir(), "copiness.parquet")
	cfg, _ := testConfig(t)

	if _, err := profileCoreGenes(cfg, pc); err != nil {
		t.Fatalf("profile: %v", err)
	}
	f, err := os.Open(pc.ParquetPath)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer f.Close()

	tbl, err := pqarrow.ReadTable(context.Background(), f, parquet.NewReaderProperties(memory.DefaultAllocator),
		pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	defer tbl.Release()

	if tbl.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", tbl.NumRows())
	}
	queries := tbl.Column(0).Data().Chunk(0).(*array.String)
	single := tbl.Column(2).Data().Chunk(0).(*array.Float64)
	if queries.Value(1) != "q2" || single.Value(1) != 50 {
		t.Fatalf("row 1 = %s %v", queries.Value(1), single.Value(1))
	}
}
