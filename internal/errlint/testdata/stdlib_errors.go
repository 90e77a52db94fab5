package main

import (
	"errors"
	format "fmt"
)

var errBoom = errors.New("boom!")

func main() {
	format.Println(format.Errorf("again: %w", errBoom))
}

// Output:
// testdata/stdlib_errors.go:4:2: import `github.com/pkg/errors` instead of the standard `errors` package
// testdata/stdlib_errors.go:11:17: use `github.com/pkg/errors.Wrap` to wrap errors instead of `fmt.Errorf`
