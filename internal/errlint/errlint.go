// Package errlint reports error handling that bypasses github.com/pkg/errors.
package errlint

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	msgErrorf = "use `github.com/pkg/errors.Wrap` to wrap errors instead of `fmt.Errorf`"
	msgImport = "import `github.com/pkg/errors` instead of the standard `errors` package"
)

// Finding is one violation.
type Finding struct {
	Pos     token.Position
	Message string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d:%d: %s", f.Pos.Filename, f.Pos.Line, f.Pos.Column, f.Message)
}

// Dir checks every Go file under root. Like the go tool it skips testdata and directories starting with "_" or
// ".", unless root itself is one.
func Dir(root string) ([]Finding, error) {
	var findings []Finding
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %q", path)
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (name == "testdata" || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" {
			return nil
		}
		found, err := File(path, nil)
		if err != nil {
			return err
		}
		findings = append(findings, found...)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walking filepath")
	}
	return findings, nil
}

// File checks one Go file. src is passed to go/parser and may be nil to read path.
func File(path string, src any) ([]Finding, error) {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, path, src, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing file %q", path)
	}
	var findings []Finding
	for _, spec := range node.Imports {
		if p, _ := strconv.Unquote(spec.Path.Value); p == "errors" {
			findings = append(findings, Finding{Pos: fset.Position(spec.Pos()), Message: msgImport})
		}
	}

	fmtName := importName(node, "fmt")
	ast.Inspect(node, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok || fmtName == "" {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok || sel.Sel.Name != "Errorf" {
			return true
		}
		if pkg, ok := sel.X.(*ast.Ident); !ok || pkg.Name != fmtName {
			return true
		}
		for _, arg := range call.Args {
			lit, ok := arg.(*ast.BasicLit)
			if ok && lit.Kind == token.STRING && strings.Contains(lit.Value, "%w") {
				findings = append(findings, Finding{Pos: fset.Position(call.Pos()), Message: msgErrorf})
				break
			}
		}
		return true
	})

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Pos.Offset < findings[j].Pos.Offset })
	return findings, nil
}

// importName returns the local name of the import path in f, or "" when it is not imported.
func importName(f *ast.File, path string) string {
	for _, spec := range f.Imports {
		if p, _ := strconv.Unquote(spec.Path.Value); p != path {
			continue
		}
		if spec.Name != nil {
			return spec.Name.Name
		}
		return filepath.Base(path)
	}
	return ""
}
