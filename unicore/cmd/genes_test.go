package cmd

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildGeneFastas(t *testing.T) {
	dir := t.TempDir()
	aa := writeFile(t, filepath.Join(dir, "aa.fasta"), ">h1\nMKVL\n>h2\nPAAW\n>h3\nGGGG\n")
	tdi := writeFile(t, filepath.Join(dir, "3di.fasta"), ">h1\nDDPV\n>h2\nVVLD\n")
	members := filepath.Join(dir, "profile")
	writeFile(t, filepath.Join(members, "g2.txt"), "h2\tmouse\n")
	writeFile(t, filepath.Join(members, "g1.txt"), "h1\thuman\nh2\tmouse\n")
	writeFile(t, filepath.Join(members, "copiness.tsv"), copyReportHeader)
	out := filepath.Join(dir, "tree", "fasta")
	cfg, _ := testConfig(t)

	res, err := buildGeneFastas(cfg, aa, tdi, members, out)
	if err != nil {
		t.Fatalf("genes: %v", err)
	}
	if res.Genes != 2 || res.Records != 3 {
		t.Fatalf("result = %+v", res)
	}
	if got := readFile(t, filepath.Join(out, "g1", "aa.fasta")); got != ">human\nMKVL\n>mouse\nPAAW\n" {
		t.Fatalf("g1 aa = %q", got)
	}
	if got := readFile(t, filepath.Join(out, "g1", "3di.fasta")); got != ">human\nDDPV\n>mouse\nVVLD\n" {
		t.Fatalf("g1 3di = %q", got)
	}
	if got := readFile(t, filepath.Join(out, "g2", "aa.fasta")); got != ">mouse\nPAAW\n" {
		t.Fatalf("g2 aa = %q", got)
	}
}

func TestBuildGeneFastasWithoutStructure(t *testing.T) {
	dir := t.TempDir()
	aa := writeFile(t, filepath.Join(dir, "aa.fasta"), ">h1\nMKVL\n")
	members := filepath.Join(dir, "profile")
	writeFile(t, filepath.Join(members, "g1.txt"), "h1\thuman\n")
	out := filepath.Join(dir, "out")
	cfg, _ := testConfig(t)

	if _, err := buildGeneFastas(cfg, aa, "", members, out); err != nil {
		t.Fatalf("genes: %v", err)
	}
	if fileExists(filepath.Join(out, "g1", "3di.fasta")) {
		t.Fatal("3di.fasta written without a 3Di input")
	}
}

func TestBuildGeneFastasErrors(t *testing.T) {
	cases := []struct {
		name    string
		aa      string
		tdi     string
		member  string
		wantErr string
	}{
		{"missing member", ">h1\nMKVL\n", "", "h9\thuman\n", "h9 not found"},
		{"extra column", ">h1\nMKVL\n", "", "h1\thuman\textra\n", "expected 2 fields"},
		{"short row", ">h1\nMKVL\n", "", "h1\n", "line 1"},
		{"3di not in aa", ">h1\nMKVL\n", ">h1\nDDPV\n>h7\nVVVV\n", "h1\thuman\n", "h7 missing"},
		{"missing 3di member", ">h1\nMKVL\n>h2\nPAAW\n", ">h1\nDDPV\n", "h2\tmouse\n", "not found in 3Di"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			aa := writeFile(t, filepath.Join(dir, "aa.fasta"), tc.aa)
			var tdi string
			if tc.tdi != "" {
				tdi = writeFile(t, filepath.Join(dir, "3di.fasta"), tc.tdi)
			}
			members := filepath.Join(dir, "profile")
			writeFile(t, filepath.Join(members, "g1.txt"), tc.member)
			cfg, _ := testConfig(t)

			_, err := buildGeneFastas(cfg, aa, tdi, members, filepath.Join(dir, "out"))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}
