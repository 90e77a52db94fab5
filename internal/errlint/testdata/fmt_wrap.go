package main

import (
	"fmt"

	"github.com/pkg/errors"
)

func main() {
	baseErr := errors.New("boom!")
	err := fmt.Errorf("wrapping: %w", baseErr)
	fmt.Println("error:", err.Error(), fmt.Errorf("plain %v", baseErr))
}

// Output:
// testdata/fmt_wrap.go:11:9: use `github.com/pkg/errors.Wrap` to wrap errors instead of `fmt.Errorf`
