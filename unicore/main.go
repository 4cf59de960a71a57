package main

import (
	"os"

	"github.com/steineggerlab/unicore/unicore/cmd"
)

func main() {
	cmd.Execute(os.Args[1:])
}
