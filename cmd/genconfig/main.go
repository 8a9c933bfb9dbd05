package main

import (
	"flag"
	"fmt"
	"os"

	"digit-trading-bot/config"
)

func main() {
	out := flag.String("o", "config.json", "output path")
	flag.Parse()

	if err := config.GenerateSampleConfig(*out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write sample config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sample configuration written to %s\n", *out)
}
