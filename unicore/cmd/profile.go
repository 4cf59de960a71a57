package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

var errUnknownSpecies = errors.New("species not found in the mapping file")

type profileConfig struct {
	MappingPath string
	HitsPath    string
	OutDir      string
	Threshold   int
	CopyReport  bool
	ParquetPath string
}

type profileResult struct {
	Candidates  int
	Core        int
	Accepted    []string
	SpeciesCore map[string]int
}

// geneSpeciesMap resolves a gene (or hashed sequence id) to every species that
// carries it. Identical sequences from different proteomes collapse upstream,
// so one gene can belong to several species.
type geneSpeciesMap struct {
	genes    map[string][]string
	universe map[string]struct{}
}

func (m *geneSpeciesMap) species() []string {
	out := make([]string, 0, len(m.universe))
	for sp := range m.universe {
		out = append(out, sp)
	}
	sort.Strings(out)
	return out
}

func runProfile(args []string) {
	fs := flag.NewFlagSet("profile", flag.ExitOnError)
	mapping := fs.String("mapping", "", "Gene to species mapping TSV (<db>.map)")
	hits := fs.String("hits", "", "Homology hit or cluster TSV, grouped by query")
	outDir := fs.String("outdir", "profile", "Output directory for membership files")
	threshold := fs.Int("threshold", 80, "Minimum single-copy species coverage in percent (0-100)")
	copiness := fs.Bool("copiness", true, "Write copiness.tsv")
	parquet := fs.String("copiness-parquet", "", "Optional Parquet copy of the copiness report")
	common := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fatalf("parse args failed: %v", err)
	}
	if *mapping == "" || *hits == "" {
		fatalf("mapping and hits are required")
	}

	cfg := common.config()
	pc := profileConfig{
		MappingPath: *mapping,
		HitsPath:    *hits,
		OutDir:      *outDir,
		Threshold:   *threshold,
		CopyReport:  *copiness,
		ParquetPath: *parquet,
	}
	if _, err := profileCoreGenes(cfg, pc); err != nil {
		fatalf("profile failed: %v", err)
	}
	if err := cfg.finish(); err != nil {
		fatalf("profile failed: %v", err)
	}
}

func loadGeneSpeciesMap(cfg Config, path string) (*geneSpeciesMap, error) {
	sets := make(map[string]map[string]struct{}, 1<<16)
	m := &geneSpeciesMap{universe: make(map[string]struct{})}

	opts := defaultTableOptions(cfg.workers())
	opts.MinFields = 2
	err := scanTableFile(path, opts, func(row tableRow) error {
		gene := string(row.Fields[0])
		sp := string(row.Fields[1])
		set, ok := sets[gene]
		if !ok {
			set = make(map[string]struct{}, 1)
			sets[gene] = set
		}
		set[sp] = struct{}{}
		m.universe[sp] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	if len(m.universe) == 0 {
		return nil, fmt.Errorf("mapping file is empty: %s", path)
	}

	m.genes = make(map[string][]string, len(sets))
	for gene, set := range sets {
		list := make([]string, 0, len(set))
		for sp := range set {
			list = append(list, sp)
		}
		sort.Strings(list)
		m.genes[gene] = list
	}
	return m, nil
}

type groupTransition int

const (
	firstGroup groupTransition = iota
	sameGroup
	groupBoundary
)

// queryGroup accumulates the hits of one query. Hits for a query must be
// contiguous in the input; a new query value closes the open group.
type queryGroup struct {
	query   string
	open    bool
	counts  map[string]int
	targets map[string]map[string]struct{}
}

func newQueryGroup() *queryGroup {
	return &queryGroup{
		counts:  make(map[string]int),
		targets: make(map[string]map[string]struct{}),
	}
}

func (g *queryGroup) step(query string) groupTransition {
	switch {
	case !g.open:
		return firstGroup
	case g.query == query:
		return sameGroup
	default:
		return groupBoundary
	}
}

func (g *queryGroup) reset(query string) {
	g.query = query
	g.open = true
	clear(g.counts)
	clear(g.targets)
}

func (g *queryGroup) add(target string, species []string) {
	for _, sp := range species {
		g.counts[sp]++
		set, ok := g.targets[sp]
		if !ok {
			set = make(map[string]struct{}, 1)
			g.targets[sp] = set
		}
		set[target] = struct{}{}
	}
}

// singleCopy returns, sorted, the species hit exactly once in this group.
func (g *queryGroup) singleCopy() []string {
	var out []string
	for sp, n := range g.counts {
		if n == 1 {
			out = append(out, sp)
		}
	}
	sort.Strings(out)
	return out
}

func (g *queryGroup) representative(sp string) string {
	for target := range g.targets[sp] {
		return target
	}
	return ""
}

type coreProfiler struct {
	cfg     Config
	pc      profileConfig
	mapping *geneSpeciesMap
	report  *copyReport
	result  profileResult
}

func profileCoreGenes(cfg Config, pc profileConfig) (profileResult, error) {
	log := cfg.logger()
	if pc.Threshold < 0 || pc.Threshold > 100 {
		return profileResult{}, fmt.Errorf("threshold must be within 0-100, got %d", pc.Threshold)
	}
	if err := os.MkdirAll(pc.OutDir, 0o755); err != nil {
		return profileResult{}, fmt.Errorf("create output dir: %w", err)
	}

	mapping, err := loadGeneSpeciesMap(cfg, pc.MappingPath)
	if err != nil {
		return profileResult{}, err
	}
	log.Debugf("Loaded %s genes across %d species", humanize.Comma(int64(len(mapping.genes))), len(mapping.universe))

	var report *copyReport
	if pc.CopyReport {
		report, err = newCopyReport(filepath.Join(pc.OutDir, "copiness.tsv"), pc.ParquetPath, cfg.workers())
		if err != nil {
			return profileResult{}, err
		}
	}

	p := &coreProfiler{
		cfg:     cfg,
		pc:      pc,
		mapping: mapping,
		report:  report,
		result:  profileResult{SpeciesCore: make(map[string]int, len(mapping.universe))},
	}
	for sp := range mapping.universe {
		p.result.SpeciesCore[sp] = 0
	}

	log.Info("Profiling the taxonomic distribution of the genes...")
	bar := newLineProgress(pc.HitsPath, cfg.Progress, "profile")
	group := newQueryGroup()
	opts := defaultTableOptions(cfg.workers())
	opts.MinFields = 2
	opts.Progress = bar
	err = scanTableFile(pc.HitsPath, opts, func(row tableRow) error {
		query := string(row.Fields[0])
		switch group.step(query) {
		case groupBoundary:
			if err := p.classify(group); err != nil {
				return err
			}
			group.reset(query)
		case firstGroup:
			group.reset(query)
		case sameGroup:
		}
		target := string(row.Fields[1])
		if species, ok := mapping.genes[target]; ok {
			group.add(target, species)
		}
		return nil
	})
	if err == nil && group.open {
		err = p.classify(group)
	}
	bar.finish()
	if report != nil {
		if cerr := report.close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return p.result, fmt.Errorf("profile hits: %w", err)
	}

	log.Infof("%s core genes found from %s candidates",
		humanize.Comma(int64(p.result.Core)), humanize.Comma(int64(p.result.Candidates)))
	p.warnLowCoverage()
	return p.result, nil
}

func (p *coreProfiler) classify(g *queryGroup) error {
	total := len(p.mapping.universe)
	for sp := range g.counts {
		if _, ok := p.mapping.universe[sp]; !ok {
			return fmt.Errorf("query %s: %w: %s", g.query, errUnknownSpecies, sp)
		}
	}
	single := g.singleCopy()
	p.result.Candidates++

	singlePercent := float64(len(single)) * 100 / float64(total)
	multiPercent := float64(len(g.counts)) * 100 / float64(total)
	p.cfg.logger().Debugf("Gene %s reported %.2f%% single copy and %.2f%% multiple copy", g.query, singlePercent, multiPercent)
	if p.report != nil {
		if err := p.report.add(copyRow{Query: g.query, MultipleCopy: multiPercent, SingleCopy: singlePercent}); err != nil {
			return err
		}
	}

	core := len(single)*100 >= p.pc.Threshold*total
	p.cfg.Metrics.addQuery(core)
	if !core {
		return nil
	}
	if err := p.writeMembership(g, single); err != nil {
		return err
	}
	p.result.Core++
	p.result.Accepted = append(p.result.Accepted, g.query)
	for _, sp := range single {
		p.result.SpeciesCore[sp]++
	}
	return nil
}

func (p *coreProfiler) writeMembership(g *queryGroup, single []string) error {
	path := filepath.Join(p.pc.OutDir, membershipName(g.query)+".txt")
	out, err := createOutput(path, 1)
	if err != nil {
		return err
	}
	for _, sp := range single {
		if _, err := out.WriteString(g.representative(sp) + "\t" + sp + "\n"); err != nil {
			_ = out.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// warnLowCoverage flags species present in single copy in fewer than half of
// the accepted core genes; usually an incomplete or low-quality proteome.
func (p *coreProfiler) warnLowCoverage() {
	half := (p.result.Core + 1) / 2
	for _, sp := range p.mapping.species() {
		if n := p.result.SpeciesCore[sp]; n < half {
			p.cfg.logger().Warnf("Species %s has only %d core genes out of %d core genes", sp, n, p.result.Core)
		}
	}
}

// membershipName drops the conventional prefix of a query id: the second
// '-'-separated token when there is one, else the whole id.
func membershipName(query string) string {
	parts := strings.Split(query, "-")
	if len(parts) > 1 && parts[1] != "" {
		return parts[1]
	}
	return query
}
