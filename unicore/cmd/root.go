package cmd

import (
	"fmt"
	"os"
)

func Execute(args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "createdb":
		runCreatedb(args[1:])
	case "lookup":
		runLookup(args[1:])
	case "pack-lookup":
		runPackLookup(args[1:])
	case "profile":
		runProfile(args[1:])
	case "genes":
		runGenes(args[1:])
	case "filter":
		runFilter(args[1:])
	case "combine":
		runCombine(args[1:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Unicore - core gene and phylogeny data tools")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  unicore <command> [options]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  createdb     Stage proteomes: hashed mapping plus amino-acid FASTA(s)")
	fmt.Fprintln(os.Stderr, "  lookup       Split a FASTA by precomputed lookup tables")
	fmt.Fprintln(os.Stderr, "  pack-lookup  Pack <bucket>.tsv lookup tables into one SQLite file")
	fmt.Fprintln(os.Stderr, "  profile      Classify query groups and write core gene memberships")
	fmt.Fprintln(os.Stderr, "  genes        Build per-gene FASTAs from membership files")
	fmt.Fprintln(os.Stderr, "  filter       Drop gap-heavy alignment columns")
	fmt.Fprintln(os.Stderr, "  combine      Concatenate gene alignments into a supermatrix")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run 'unicore <command> -h' for command-specific options.")
}
