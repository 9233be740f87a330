// Command ld64 is the CLI entry point: parse arguments, run the link,
// report any failure in ld64's "ld: <kind> for architecture <arch>: ..."
// form.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/apple-oss-distributions/ld64-go"
	"github.com/apple-oss-distributions/ld64-go/internal/reader"
	"github.com/apple-oss-distributions/ld64-go/options"
)

func main() {
	opts, err := options.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ld64: %v\n", err)
		os.Exit(1)
	}

	result, err := ld.Link(context.Background(), opts, reader.New())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "ld64 warning: %s\n", w)
	}
}
