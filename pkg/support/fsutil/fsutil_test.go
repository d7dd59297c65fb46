// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadLines(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "sub", "task_targets")
	require.NoError(t, WriteLines(filePath, []string{"first\nline", "second"}))
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "first\\nline\nsecond\n", string(contents))

	// Rewriting replaces the previous contents.
	require.NoError(t, WriteLines(filePath, []string{"only"}))
	lines, err := ReadLines(filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, lines)
}

func TestReadLinesTrims(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "inputs.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("  hello |dst_attribute:1 \nworld\n\n\n"), 0600))
	lines, err := ReadLines(filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello |dst_attribute:1", "world"}, lines)

	exists, err := FileExists(filePath)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = FileExists(filePath + ".missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReplaceTildeInDir(t *testing.T) {
	dir, err := ReplaceTildeInDir("/tmp/models")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/models", dir)
}
