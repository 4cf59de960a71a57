package cmd

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type geneFastaResult struct {
	Genes   int
	Records int
}

// geneWriter holds the outputs of one gene directory; tdi is nil without a 3Di input.
type geneWriter struct {
	aa  *outputFile
	tdi *outputFile
}

func (w *geneWriter) close() error {
	err := w.aa.Close()
	if w.tdi != nil {
		if cerr := w.tdi.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func runGenes(args []string) {
	fs := flag.NewFlagSet("genes", flag.ExitOnError)
	aa := fs.String("aa", "", "Amino-acid FASTA holding every member sequence")
	tdi := fs.String("3di", "", "Optional 3Di FASTA with the same identifiers")
	members := fs.String("members", "", "Directory of <gene>.txt membership files")
	outDir := fs.String("outdir", "", "Output directory for <gene>/aa.fasta and <gene>/3di.fasta")
	common := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fatalf("parse args failed: %v", err)
	}
	if *aa == "" || *members == "" || *outDir == "" {
		fatalf("aa, members and outdir are required")
	}

	cfg := common.config()
	if _, err := buildGeneFastas(cfg, *aa, *tdi, *members, *outDir); err != nil {
		fatalf("genes failed: %v", err)
	}
	if err := cfg.finish(); err != nil {
		fatalf("genes failed: %v", err)
	}
}

func listMembershipFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read membership dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".txt" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// buildGeneFastas writes one directory per membership file with the member
// sequences renamed to their species.
func buildGeneFastas(cfg Config, aaPath, tdiPath, memberDir, outDir string) (geneFastaResult, error) {
	var res geneFastaResult
	aa, err := readFastaStore(aaPath)
	if err != nil {
		return res, err
	}
	var tdi *fastaStore
	if tdiPath != "" {
		if tdi, err = readFastaStore(tdiPath); err != nil {
			return res, err
		}
		err = tdi.each(func(id, _ string) error {
			if _, ok := aa.get(id); !ok {
				return fmt.Errorf("3Di record %s missing from %s", id, aaPath)
			}
			return nil
		})
		if err != nil {
			return res, err
		}
	}

	files, err := listMembershipFiles(memberDir)
	if err != nil {
		return res, err
	}
	if len(files) == 0 {
		return res, fmt.Errorf("no membership files in %s", memberDir)
	}

	bar := newProgress(len(files), cfg.Progress, "genes")
	for _, path := range files {
		gene := strings.TrimSuffix(filepath.Base(path), ".txt")
		n, err := writeGeneFasta(cfg, gene, path, aa, tdi, outDir)
		if err != nil {
			return res, fmt.Errorf("gene %s: %w", gene, err)
		}
		res.Genes++
		res.Records += n
		bar.increment()
	}
	bar.finish()
	cfg.logger().Infof("Wrote gene-specific FASTAs for %d genes (%d records) -> %s", res.Genes, res.Records, outDir)
	return res, nil
}

func openGeneWriter(dir string, with3Di bool, threads int) (*geneWriter, error) {
	aa, err := createOutput(filepath.Join(dir, "aa.fasta"), threads)
	if err != nil {
		return nil, err
	}
	w := &geneWriter{aa: aa}
	if with3Di {
		if w.tdi, err = createOutput(filepath.Join(dir, "3di.fasta"), threads); err != nil {
			_ = aa.Close()
			return nil, err
		}
	}
	return w, nil
}

func writeGeneFasta(cfg Config, gene, path string, aa, tdi *fastaStore, outDir string) (int, error) {
	w, err := openGeneWriter(filepath.Join(outDir, gene), tdi != nil, cfg.workers())
	if err != nil {
		return 0, err
	}
	var n int
	opts := defaultTableOptions(1)
	opts.MinFields = 2
	err = scanTableFile(path, opts, func(row tableRow) error {
		if len(row.Fields) != 2 {
			return fmt.Errorf("line %d: expected 2 fields, got %d", row.Line, len(row.Fields))
		}
		member := string(row.Fields[0])
		species := string(row.Fields[1])
		seq, ok := aa.get(member)
		if !ok {
			return fmt.Errorf("member %s not found in amino-acid FASTA", member)
		}
		if _, err := w.aa.WriteString(">" + species + "\n" + seq + "\n"); err != nil {
			return fmt.Errorf("write aa: %w", err)
		}
		if tdi != nil {
			seq, ok := tdi.get(member)
			if !ok {
				return fmt.Errorf("member %s not found in 3Di FASTA", member)
			}
			if _, err := w.tdi.WriteString(">" + species + "\n" + seq + "\n"); err != nil {
				return fmt.Errorf("write 3di: %w", err)
			}
		}
		n++
		return nil
	})
	if cerr := w.close(); err == nil && cerr != nil {
		err = fmt.Errorf("close outputs: %w", cerr)
	}
	return n, err
}
