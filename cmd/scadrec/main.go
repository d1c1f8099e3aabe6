// scadrec records the editing history of a model file and replays it as an
// animated GIF.
package main

import (
	"os"

	"github.com/hupe1980/scadrec/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
