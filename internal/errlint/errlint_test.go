package errlint

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expectedOutput reads the "// Output:" comment block at the end of a testdata file.
func expectedOutput(t *testing.T, path string) []string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)

	exp := []string{}
	scanningOutput := false
	scn := bufio.NewScanner(bytes.NewReader(content))
	for scn.Scan() {
		line := scn.Text()
		if strings.HasPrefix(line, "// Output:") {
			scanningOutput = true
			continue
		}
		if !scanningOutput {
			continue
		}
		if !strings.HasPrefix(line, "//") {
			break
		}
		exp = append(exp, strings.TrimLeft(strings.TrimPrefix(line, "//"), " "))
	}
	return exp
}

func TestFile(t *testing.T) {
	paths, err := filepath.Glob("testdata/*.go")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			findings, err := File(path, nil)
			require.NoError(t, err)
			got := make([]string, 0, len(findings))
			for _, f := range findings {
				got = append(got, f.String())
			}
			assert.Equal(t, expectedOutput(t, path), got)
		})
	}
}

func TestDirSkipsTestdataAndUnderscoreDirs(t *testing.T) {
	root := t.TempDir()
	bad := []byte("package p\n\nimport \"errors\"\n\nvar E = errors.New(\"x\")\n")
	for _, dir := range []string{"pkg", "testdata", "_examples", ".git"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, dir, "e.go"), bad, 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("errors"), 0o600))

	findings, err := Dir(root)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, filepath.Join(root, "pkg", "e.go"), findings[0].Pos.Filename)
	assert.Equal(t, msgImport, findings[0].Message)
}

func TestFileParseError(t *testing.T) {
	_, err := File("broken.go", "package")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.go")
}

func TestModuleFollowsConvention(t *testing.T) {
	findings, err := Dir(filepath.Join("..", ".."))
	require.NoError(t, err)
	assert.Empty(t, findings)
}
