package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestScan_FindsSecurityAndTodoIssues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", `package main

import "crypto/md5"

func main() {
	_ = md5.New()
	// TODO: replace with sha256
}
`)

	result, err := Scan(context.Background(), dir, DefaultConfig())
	require.NoError(t, err)

	var sawSecurity, sawTodo bool
	for _, issue := range result.Issues {
		if issue.Kind == IssueSecurity {
			sawSecurity = true
		}
		if issue.Kind == IssueTODO {
			sawTodo = true
		}
	}
	require.True(t, sawSecurity)
	require.True(t, sawTodo)
	require.Equal(t, 1, result.Metrics.FilesCount)
}

func TestScan_IgnoresTestFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main_test.go", `package main
// TODO: this should not be scanned
`)

	result, err := Scan(context.Background(), dir, DefaultConfig())
	require.NoError(t, err)
	require.Empty(t, result.Issues)
	require.Equal(t, 0, result.Metrics.FilesCount)
}

func TestScan_ComputesTestCoverageRatio(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")

	cfg := DefaultConfig()
	cfg.IgnorePatterns = []string{"/vendor/", "/.git/"} // allow _test.go through for this assertion
	writeFile(t, dir, "main_test.go", "package main\n")

	result, err := Scan(context.Background(), dir, cfg)
	require.NoError(t, err)
	require.Equal(t, 2, result.Metrics.FilesCount)
	require.Equal(t, 1, result.Metrics.TestFilesCount)
	require.InDelta(t, 0.5, result.Metrics.TestCoverage, 0.001)
}
