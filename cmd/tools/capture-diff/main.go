// Command capture-diff compares two pair captures and reports the first
// divergence.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/trn.replay/internal/capture"
)

func main() {
	tol := flag.Float64("tol", 1e-9, "absolute tolerance for float fields")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: capture-diff [-tol t] want.trncap got.trncap\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	want, err := capture.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("open %s: %v", flag.Arg(0), err)
	}
	defer want.Close()
	got, err := capture.Open(flag.Arg(1))
	if err != nil {
		log.Fatalf("open %s: %v", flag.Arg(1), err)
	}
	defer got.Close()

	div, n, err := capture.Compare(want, got, *tol)
	if err != nil {
		log.Fatalf("compare: %v", err)
	}
	if div == nil {
		fmt.Printf("identical: %d pairs\n", n)
		return
	}
	fmt.Println(div)
	os.Exit(1)
}
