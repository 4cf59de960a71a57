package cmd

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

var errLookupTablesNotFound = errors.New("lookup tables not found")

const (
	convertedAAName     = "converted_aa.fasta"
	convertedTargetName = "converted_ss.fasta"
	unresolvedName      = "combined_aa.fasta"
)

// bucketSlot is where a sequence is looked up: the table named bucket, under key.
type bucketSlot struct {
	bucket string
	key    string
}

// bucketStrategy partitions sequences into lookup tables. locate returns a
// non-empty skip reason for sequences the strategy cannot place.
type bucketStrategy interface {
	name() string
	locate(seq string) (slot bucketSlot, skip string)
}

// md5Buckets spreads sequences over 256 tables by the first byte of
// MD5(seq + "\n"); tables are keyed by the full hex digest.
type md5Buckets struct{}

func (md5Buckets) name() string { return "md5" }

func (md5Buckets) locate(seq string) (bucketSlot, string) {
	sum := md5.Sum([]byte(seq + "\n"))
	return bucketSlot{
		bucket: hex.EncodeToString(sum[:1]),
		key:    hex.EncodeToString(sum[:]),
	}, ""
}

const aminoAcids = "ACDEFGHIKLMNPQRSTVWY"

// aminoPairBuckets is the legacy 20x20 layout: the table is named by residues
// two and three, and keyed by the raw sequence.
type aminoPairBuckets struct{}

func (aminoPairBuckets) name() string { return "aa" }

func (aminoPairBuckets) locate(seq string) (bucketSlot, string) {
	if len(seq) < 3 {
		return bucketSlot{}, fmt.Sprintf("shorter than 3 residues (length: %d)", len(seq))
	}
	for _, c := range []byte{seq[1], seq[2]} {
		if strings.IndexByte(aminoAcids, c) < 0 {
			return bucketSlot{}, fmt.Sprintf("non-standard residue %q in bucket prefix", c)
		}
	}
	return bucketSlot{bucket: seq[1:3], key: seq}, ""
}

func bucketStrategyByName(name string) (bucketStrategy, error) {
	switch strings.ToLower(name) {
	case "", "md5":
		return md5Buckets{}, nil
	case "aa", "legacy":
		return aminoPairBuckets{}, nil
	default:
		return nil, fmt.Errorf("unknown bucket strategy %q (want md5 or aa)", name)
	}
}

// lookupSource resolves one bucket to its key -> value table.
type lookupSource interface {
	loadBucket(bucket string) (map[string]string, error)
	Close() error
}

// tsvLookup reads <root>/<bucket>.tsv tables.
type tsvLookup struct {
	root    string
	workers int
}

func (t tsvLookup) loadBucket(bucket string) (map[string]string, error) {
	path := filepath.Join(t.root, bucket+".tsv")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("lookup table for bucket %s: %w", bucket, err)
	}
	table := make(map[string]string, 1<<12)
	opts := defaultTableOptions(t.workers)
	opts.MinFields = 2
	err := scanTableFile(path, opts, func(row tableRow) error {
		table[string(row.Fields[0])] = string(row.Fields[1])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load lookup table: %w", err)
	}
	return table, nil
}

func (tsvLookup) Close() error { return nil }

// openLookupSource accepts a directory of TSV tables or a packed SQLite file.
func openLookupSource(cfg Config, root string) (lookupSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errLookupTablesNotFound, root)
	}
	if info.IsDir() {
		tables, err := filepath.Glob(filepath.Join(root, "*.tsv"))
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		if len(tables) == 0 {
			return nil, fmt.Errorf("%w: no .tsv tables in %s", errLookupTablesNotFound, root)
		}
		return tsvLookup{root: root, workers: cfg.workers()}, nil
	}
	return openSQLiteLookup(root)
}

type splitResult struct {
	ConvertedAA     *fastaStore
	ConvertedTarget *fastaStore
	Unresolved      *fastaStore
	Hits            int
	Misses          int
	Skipped         int
}

// splitByLookup partitions seqs: every record ends up either converted (with
// its looked-up value) or unresolved, never both. Tables are opened only for
// buckets that received at least one sequence.
func splitByLookup(cfg Config, seqs *fastaStore, source lookupSource, strategy bucketStrategy) (splitResult, error) {
	log := cfg.logger()
	res := splitResult{
		ConvertedAA:     newFastaStore(),
		ConvertedTarget: newFastaStore(),
		Unresolved:      newFastaStore(),
	}

	log.Debugf("Splitting sequences into %s buckets...", strategy.name())
	buckets := make(map[string][]string)
	keys := make(map[string]string, seqs.len())
	_ = seqs.each(func(id, seq string) error {
		slot, skip := strategy.locate(seq)
		if skip != "" {
			log.Warnf("Skipping lookup for sequence %s: %s", id, skip)
			res.Unresolved.set(id, seq)
			res.Skipped++
			return nil
		}
		buckets[slot.bucket] = append(buckets[slot.bucket], id)
		keys[id] = slot.key
		return nil
	})

	names := make([]string, 0, len(buckets))
	for b := range buckets {
		names = append(names, b)
	}
	sort.Strings(names)

	for _, b := range names {
		log.Debugf("Loading table for bucket %s...", b)
		table, err := source.loadBucket(b)
		if err != nil {
			return res, err
		}
		for _, id := range buckets[b] {
			seq, _ := seqs.get(id)
			if value, ok := table[keys[id]]; ok {
				res.ConvertedAA.set(id, seq)
				res.ConvertedTarget.set(id, value)
				res.Hits++
				continue
			}
			res.Unresolved.set(id, seq)
			res.Misses++
		}
	}

	cfg.Metrics.addLookup("hit", res.Hits)
	cfg.Metrics.addLookup("miss", res.Misses)
	cfg.Metrics.addLookup("skipped", res.Skipped)
	log.Infof("Lookup: %s converted, %s to predict (%s missed, %s skipped) across %d tables",
		humanize.Comma(int64(res.Hits)), humanize.Comma(int64(res.Misses+res.Skipped)),
		humanize.Comma(int64(res.Misses)), humanize.Comma(int64(res.Skipped)), len(names))
	return res, nil
}

func writeSplit(cfg Config, res splitResult, dir string) error {
	outputs := []struct {
		name  string
		store *fastaStore
	}{
		{convertedAAName, res.ConvertedAA},
		{convertedTargetName, res.ConvertedTarget},
		{unresolvedName, res.Unresolved},
	}
	for _, o := range outputs {
		if err := writeFastaStore(filepath.Join(dir, o.name), o.store, cfg.workers()); err != nil {
			return err
		}
	}
	return nil
}

func runLookup(args []string) {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	input := fs.String("input", "", "Input amino-acid FASTA")
	root := fs.String("lookup", "", "Lookup tables: directory of <bucket>.tsv or a packed .db file")
	strategy := fs.String("strategy", "md5", "Bucket strategy: md5 (256 tables) or aa (legacy 400 tables)")
	outDir := fs.String("outdir", ".", "Output directory for converted/combined FASTAs")
	common := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fatalf("parse args failed: %v", err)
	}
	if *input == "" || *root == "" {
		fatalf("input and lookup are required")
	}

	cfg := common.config()
	strat, err := bucketStrategyByName(*strategy)
	if err != nil {
		fatalf("lookup failed: %v", err)
	}
	source, err := openLookupSource(cfg, *root)
	if err != nil {
		fatalf("lookup failed: %v", err)
	}
	defer func() {
		_ = source.Close()
	}()

	seqs, err := readFastaStore(*input)
	if err != nil {
		fatalf("lookup failed: %v", err)
	}
	res, err := splitByLookup(cfg, seqs, source, strat)
	if err != nil {
		fatalf("lookup failed: %v", err)
	}
	if err := writeSplit(cfg, res, *outDir); err != nil {
		fatalf("lookup failed: %v", err)
	}
	if err := cfg.finish(); err != nil {
		fatalf("lookup failed: %v", err)
	}
}
