// errlint reports error handling in a module that bypasses github.com/pkg/errors.
package main

import (
	"fmt"
	"os"

	"github.com/proxyns/proxyns/internal/errlint"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: errlint <module_path>")
		os.Exit(2)
	}

	// this adheres to the exit codes returned by `go test`: 2 for abnormal errors such as parse failures, 1 for
	// findings, 0 with no output on success.
	findings, err := errlint.Dir(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	for _, f := range findings {
		fmt.Println(f)
	}
	if len(findings) > 0 {
		os.Exit(1)
	}
}
