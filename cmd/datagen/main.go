// Command datagen generates a synthetic CSV source file for exercising
// the process_csv workflow end to end.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

func main() {
	outPath := flag.String("out", "data/source.csv", "output CSV path")
	rows := flag.Int("rows", 1000, "number of data rows to generate")
	flag.Parse()

	if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "mkdir:", err)
		os.Exit(1)
	}

	f, err := os.Create(*outPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create:", err)
		os.Exit(1)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	fmt.Fprintln(w, "id,lon,lat,value")
	for i := 0; i < *rows; i++ {
		lon := rand.Float64()*360 - 180
		lat := rand.Float64()*180 - 90
		value := rand.Float64() * 100
		fmt.Fprintf(w, "%d,%.6f,%.6f,%.2f\n", i, lon, lat, value)
	}

	fmt.Printf("wrote %d rows to %s\n", *rows, *outPath)
}
