package cmd

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const hashedIDPrefix = "unicore_"

type stageConfig struct {
	Input      string
	Output     string
	MaxLen     int
	LookupRoot string
	Strategy   string
	ReportPath string
}

type stageLookupStats struct {
	Converted int `json:"converted"`
	Missed    int `json:"missed"`
	Skipped   int `json:"skipped"`
}

type stageStats struct {
	Files    int               `json:"files"`
	Total    int               `json:"total"`
	Written  int               `json:"written"`
	TooShort int               `json:"too_short"`
	TooLong  int               `json:"too_long"`
	DupeSeq  int               `json:"duplicate_sequence"`
	Lookup   *stageLookupStats `json:"lookup,omitempty"`
}

func runCreatedb(args []string) {
	fs := flag.NewFlagSet("createdb", flag.ExitOnError)
	input := fs.String("input", "", "Directory of per-species FASTA files, or a single FASTA")
	output := fs.String("output", "", "Output database prefix; writes <output>.map next to the staged FASTAs")
	maxLen := fs.Int("max-len", 0, "Drop sequences longer than this (0 disables)")
	lookup := fs.String("lookup", "", "Optional lookup tables (directory of <bucket>.tsv or packed .db)")
	strategy := fs.String("strategy", "md5", "Lookup bucket strategy: md5 or aa")
	report := fs.String("report", "", "Optional JSON report output path")
	common := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fatalf("parse args failed: %v", err)
	}
	if *input == "" || *output == "" {
		fatalf("input and output are required")
	}
	if *maxLen < 0 {
		fatalf("max-len must be >= 0")
	}

	cfg := common.config()
	sc := stageConfig{
		Input:      *input,
		Output:     *output,
		MaxLen:     *maxLen,
		LookupRoot: *lookup,
		Strategy:   *strategy,
		ReportPath: *report,
	}
	if _, err := stageDatabase(cfg, sc); err != nil {
		fatalf("createdb failed: %v", err)
	}
	if err := cfg.finish(); err != nil {
		fatalf("createdb failed: %v", err)
	}
}

// hashedID names a sequence by its content so identical sequences from
// different proteomes collapse into one record.
func hashedID(seq string) string {
	sum := md5.Sum([]byte(seq))
	return hashedIDPrefix + hex.EncodeToString(sum[:])[:10]
}

// listSpeciesFastas returns the FASTA inputs in name order; each file is one species.
func listSpeciesFastas(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	if !info.IsDir() {
		return []string{input}, nil
	}
	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".gz")
		switch filepath.Ext(name) {
		case ".fasta", ".fa", ".faa":
			files = append(files, filepath.Join(input, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no FASTA files in %s", input)
	}
	sort.Strings(files)
	return files, nil
}

// stageDatabase prepares the inputs of database creation: the hashed
// gene -> species mapping and the amino-acid FASTA(s) for the predictor.
func stageDatabase(cfg Config, sc stageConfig) (stageStats, error) {
	log := cfg.logger()
	stats := stageStats{}

	files, err := listSpeciesFastas(sc.Input)
	if err != nil {
		return stats, err
	}
	parent := filepath.Dir(sc.Output)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return stats, fmt.Errorf("create output dir: %w", err)
	}

	mapPath := sc.Output + ".map"
	mapping, err := createOutput(mapPath, 1)
	if err != nil {
		return stats, err
	}
	seqs := newFastaStore()
	for _, path := range files {
		species := trimFastaExt(path)
		stats.Files++
		err := func() error {
			in, err := openInput(path, cfg.workers())
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer func() {
				_ = in.Close()
			}()
			return parseFasta(in, func(rec fastaRecord) error {
				stats.Total++
				if sc.MaxLen > 0 && len(rec.seq) > sc.MaxLen {
					stats.TooLong++
					return nil
				}
				if len(rec.seq) < 2 {
					log.Infof("Skipping %s as it is too short", rec.header)
					stats.TooShort++
					return nil
				}
				seq := string(rec.seq)
				id := hashedID(seq)
				if _, dup := seqs.get(id); dup {
					stats.DupeSeq++
				}
				seqs.set(id, seq)
				if _, err := mapping.WriteString(id + "\t" + species + "\t" + sanitizeHeader(rec.header) + "\n"); err != nil {
					return fmt.Errorf("write mapping: %w", err)
				}
				return nil
			})
		}()
		if err != nil {
			_ = mapping.Close()
			return stats, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := mapping.Close(); err != nil {
		return stats, fmt.Errorf("close mapping: %w", err)
	}
	stats.Written = seqs.len()
	cfg.Metrics.addStaged("written", stats.Written)
	cfg.Metrics.addStaged("too_short", stats.TooShort)
	cfg.Metrics.addStaged("too_long", stats.TooLong)
	cfg.Metrics.addStaged("duplicate", stats.DupeSeq)

	if sc.LookupRoot == "" {
		if err := writeFastaStore(filepath.Join(parent, unresolvedName), seqs, cfg.workers()); err != nil {
			return stats, err
		}
	} else {
		strategy, err := bucketStrategyByName(sc.Strategy)
		if err != nil {
			return stats, err
		}
		source, err := openLookupSource(cfg, sc.LookupRoot)
		if err != nil {
			return stats, err
		}
		res, err := splitByLookup(cfg, seqs, source, strategy)
		_ = source.Close()
		if err != nil {
			return stats, err
		}
		if err := writeSplit(cfg, res, parent); err != nil {
			return stats, err
		}
		stats.Lookup = &stageLookupStats{Converted: res.Hits, Missed: res.Misses, Skipped: res.Skipped}
	}

	if sc.ReportPath != "" {
		if err := writeStageReport(sc.ReportPath, stats); err != nil {
			return stats, err
		}
	}
	log.Infof("createdb: files=%d total=%d kept=%d drop short=%d long=%d dup-seq=%d",
		stats.Files, stats.Total, stats.Written, stats.TooShort, stats.TooLong, stats.DupeSeq)
	return stats, nil
}

func writeStageReport(path string, stats stageStats) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
