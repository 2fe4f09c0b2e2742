package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/samuelfneumann/goact/examples"
)

func main() {
	demo := flag.String("demo", "greet", "demo to run: greet or mouse")
	flag.Parse()

	switch *demo {
	case "greet":
		examples.Greet()
	case "mouse":
		examples.MouseCircle()
	default:
		fmt.Fprintf(os.Stderr, "unknown demo %q\n", *demo)
		os.Exit(1)
	}
}
