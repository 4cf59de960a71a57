package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

const gapChar = '-'

type combineResult struct {
	Blocks int
	Taxa   int
	Width  int
}

// supermatrix concatenates gene blocks in the order they are appended. Every
// row is exactly width long after each block; taxa absent from a block get a
// run of gaps in that block's position.
type supermatrix struct {
	names []string
	index map[string]int
	rows  [][]byte
	width int
}

func newSupermatrix() *supermatrix {
	return &supermatrix{index: make(map[string]int)}
}

// appendBlock adds one per-gene alignment. Rows narrower than the widest row
// of the block are padded so columns never shift into the next block;
// uneven reports whether that happened.
func (m *supermatrix) appendBlock(block *fastaStore) (blockWidth int, uneven bool) {
	start := m.width
	first := -1
	_ = block.each(func(name, seq string) error {
		if first < 0 {
			first = len(seq)
		} else if len(seq) != first {
			uneven = true
		}
		if len(seq) > blockWidth {
			blockWidth = len(seq)
		}

		idx, ok := m.index[name]
		if !ok {
			idx = len(m.names)
			m.index[name] = idx
			m.names = append(m.names, name)
			m.rows = append(m.rows, make([]byte, 0, start+len(seq)))
		}
		m.rows[idx] = padGaps(m.rows[idx], start)
		m.rows[idx] = append(m.rows[idx], seq...)
		return nil
	})

	m.width = start + blockWidth
	for i := range m.rows {
		m.rows[i] = padGaps(m.rows[i], m.width)
	}
	return blockWidth, uneven
}

func padGaps(row []byte, width int) []byte {
	if n := width - len(row); n > 0 {
		row = append(row, bytes.Repeat([]byte{gapChar}, n)...)
	}
	return row
}

func (m *supermatrix) write(path string, threads int) error {
	out, err := createOutput(path, threads)
	if err != nil {
		return err
	}
	for i, name := range m.names {
		if _, err := out.WriteString(">" + name + "\n"); err != nil {
			_ = out.Close()
			return fmt.Errorf("write header: %w", err)
		}
		if _, err := out.Write(m.rows[i]); err != nil {
			_ = out.Close()
			return fmt.Errorf("write seq: %w", err)
		}
		if _, err := out.WriteString("\n"); err != nil {
			_ = out.Close()
			return fmt.Errorf("write newline: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func runCombine(args []string) {
	fs := flag.NewFlagSet("combine", flag.ExitOnError)
	list := fs.String("list", "", "File listing alignment paths, one per line, in concatenation order")
	geneDir := fs.String("gene-dir", "", "Directory of per-gene subdirectories holding <gene>/<gene><suffix>")
	names := fs.String("names", "", "Optional file of gene names to include (with -gene-dir)")
	genes := fs.String("genes", "", "Comma-separated gene names to include (with -gene-dir)")
	suffix := fs.String("suffix", ".fa.filtered", "Alignment file suffix inside each gene directory")
	output := fs.String("output", "supermatrix.fasta", "Output supermatrix FASTA (.gz to compress)")
	common := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fatalf("parse args failed: %v", err)
	}

	paths := fs.Args()
	switch {
	case *list != "":
		listed, err := readLines(*list)
		if err != nil {
			fatalf("read list failed: %v", err)
		}
		paths = append(paths, listed...)
	case *geneDir != "":
		wanted := splitList(*genes)
		if *names != "" {
			listed, err := readLines(*names)
			if err != nil {
				fatalf("read names failed: %v", err)
			}
			wanted = append(wanted, listed...)
		}
		collected, err := collectGeneAlignments(*geneDir, *suffix, wanted)
		if err != nil {
			fatalf("collect alignments failed: %v", err)
		}
		paths = append(paths, collected...)
	}
	if len(paths) == 0 {
		fatalf("no alignment files given (use -list, -gene-dir or positional paths)")
	}

	cfg := common.config()
	if _, err := combineAlignments(cfg, paths, *output); err != nil {
		fatalf("combine failed: %v", err)
	}
	if err := cfg.finish(); err != nil {
		fatalf("combine failed: %v", err)
	}
}

// combineAlignments builds the supermatrix from paths in the given order and
// writes it to output.
func combineAlignments(cfg Config, paths []string, output string) (combineResult, error) {
	log := cfg.logger()
	matrix := newSupermatrix()
	bar := newProgress(len(paths), cfg.Progress, "combine")

	for _, path := range paths {
		block, err := readFastaStore(path)
		if err != nil {
			return combineResult{}, err
		}
		width, uneven := matrix.appendBlock(block)
		if uneven {
			log.Warnf("Alignment %s has rows of unequal length; padded to %d columns", path, width)
		}
		log.Debugf("Appended %s: %d taxa, %d columns", path, block.len(), width)
		cfg.Metrics.addBlock()
		bar.increment()
	}
	bar.finish()

	if err := matrix.write(output, cfg.workers()); err != nil {
		return combineResult{}, err
	}
	res := combineResult{Blocks: len(paths), Taxa: len(matrix.names), Width: matrix.width}
	log.Infof("Combined %d alignments into %d taxa x %d columns -> %s", res.Blocks, res.Taxa, res.Width, output)
	return res, nil
}

// collectGeneAlignments lists <dir>/<gene>/<gene><suffix> for every gene
// subdirectory in name order, optionally restricted to wanted.
func collectGeneAlignments(dir, suffix string, wanted []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read gene dir: %w", err)
	}
	keep := make(map[string]struct{}, len(wanted))
	for _, name := range wanted {
		keep[name] = struct{}{}
	}

	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		gene := entry.Name()
		if len(keep) > 0 {
			if _, ok := keep[gene]; !ok {
				continue
			}
		}
		path := filepath.Join(dir, gene, gene+suffix)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("gene %s: %w", gene, err)
		}
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		if len(keep) > 0 {
			return nil, fmt.Errorf("no gene names matched in %s", dir)
		}
		return nil, fmt.Errorf("no gene directories in %s", dir)
	}
	return paths, nil
}
