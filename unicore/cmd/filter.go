package cmd

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

type filterResult struct {
	Rows    int
	Columns int
	Kept    int
}

func runFilter(args []string) {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	input := fs.String("input", "", "Input alignment FASTA")
	output := fs.String("output", "", "Output alignment FASTA (default <input>.filtered)")
	geneDir := fs.String("gene-dir", "", "Filter every <gene>/<gene><in-suffix> under this directory instead of -input")
	inSuffix := fs.String("in-suffix", ".fa", "Alignment suffix inside each gene directory")
	outSuffix := fs.String("out-suffix", ".fa.filtered", "Filtered alignment suffix inside each gene directory")
	threshold := fs.Int("threshold", 50, "Minimum non-gap coverage per column in percent (0-100)")
	common := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fatalf("parse args failed: %v", err)
	}
	if *input == "" && *geneDir == "" {
		fatalf("input or gene-dir is required")
	}

	cfg := common.config()
	if *geneDir != "" {
		if err := filterGeneDir(cfg, *geneDir, *inSuffix, *outSuffix, *threshold); err != nil {
			fatalf("filter failed: %v", err)
		}
	} else {
		out := *output
		if out == "" {
			out = *input + ".filtered"
		}
		if _, err := filterAlignment(cfg, *input, out, *threshold); err != nil {
			fatalf("filter failed: %v", err)
		}
	}
	if err := cfg.finish(); err != nil {
		fatalf("filter failed: %v", err)
	}
}

// filterColumns keeps column i iff nonGap[i]*100 >= threshold*rows. The first
// row's length is the alignment width; positions past the end of a shorter
// row count as gaps, and uneven reports that such a row was seen.
func filterColumns(block *fastaStore, threshold int) (out *fastaStore, kept int, uneven bool) {
	out = newFastaStore()
	rows := block.len()
	if rows == 0 {
		return out, 0, false
	}

	first, _ := block.get(block.ids[0])
	width := len(first)
	nonGap := make([]int, width)
	_ = block.each(func(_ string, seq string) error {
		if len(seq) != width {
			uneven = true
		}
		for i := 0; i < width && i < len(seq); i++ {
			if seq[i] != gapChar {
				nonGap[i]++
			}
		}
		return nil
	})

	keep := make([]int, 0, width)
	for i, n := range nonGap {
		if n*100 >= threshold*rows {
			keep = append(keep, i)
		}
	}

	_ = block.each(func(id string, seq string) error {
		buf := make([]byte, len(keep))
		for j, i := range keep {
			if i < len(seq) {
				buf[j] = seq[i]
			} else {
				buf[j] = gapChar
			}
		}
		out.set(id, string(buf))
		return nil
	})
	return out, len(keep), uneven
}

func filterAlignment(cfg Config, input, output string, threshold int) (filterResult, error) {
	if threshold < 0 || threshold > 100 {
		return filterResult{}, fmt.Errorf("threshold must be within 0-100, got %d", threshold)
	}
	block, err := readFastaStore(input)
	if err != nil {
		return filterResult{}, err
	}
	filtered, kept, uneven := filterColumns(block, threshold)
	if uneven {
		cfg.logger().Warnf("Alignment %s has rows of unequal length; missing positions treated as gaps", input)
	}
	if err := writeFastaStore(output, filtered, cfg.workers()); err != nil {
		return filterResult{}, err
	}

	res := filterResult{Rows: block.len(), Kept: kept}
	if block.len() > 0 {
		first, _ := block.get(block.ids[0])
		res.Columns = len(first)
	}
	cfg.Metrics.addColumns(res.Kept, res.Columns-res.Kept)
	cfg.logger().Debugf("Filtered %s: kept %d of %d columns", input, res.Kept, res.Columns)
	return res, nil
}

// filterGeneDir applies filterAlignment to every gene subdirectory that holds
// an alignment; genes without one are skipped.
func filterGeneDir(cfg Config, dir, inSuffix, outSuffix string, threshold int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read gene dir: %w", err)
	}
	var done int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		gene := entry.Name()
		in := filepath.Join(dir, gene, gene+inSuffix)
		if !fileExists(in) {
			cfg.logger().Debugf("No alignment for gene %s, skipping", gene)
			continue
		}
		out := filepath.Join(dir, gene, gene+outSuffix)
		if _, err := filterAlignment(cfg, in, out, threshold); err != nil {
			return fmt.Errorf("gene %s: %w", gene, err)
		}
		done++
	}
	cfg.logger().Infof("Filtered %d gene alignments in %s", done, dir)
	return nil
}
