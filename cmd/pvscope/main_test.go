package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	name, err := ensureFile(dir, "problems.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "problems.log"), name)
	require.NoError(t, os.WriteFile(name, []byte("keep"), 0664))

	// An existing file is left alone.
	_, err = ensureFile(dir, "problems.log")
	require.NoError(t, err)
	b, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(b))
}

func TestRotatingLogger(t *testing.T) {
	name := filepath.Join(t.TempDir(), "updates.log")
	logger := newRotatingLogger(name)
	logger.Print("scope started")
	b, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(b), "scope started\n"))
}

func TestOptionalFloat(t *testing.T) {
	var tests = []struct {
		in    string
		isNil bool
		want  float64
		err   bool
	}{
		{"", true, 0, false},
		{"2.5", false, 2.5, false},
		{"-1e3", false, -1000, false},
		{"lots", true, 0, true},
	}
	for _, test := range tests {
		x, err := optionalFloat(test.in)
		if test.err {
			assert.Error(t, err, test.in)
			continue
		}
		require.NoError(t, err, test.in)
		if test.isNil {
			assert.Nil(t, x, test.in)
		} else if assert.NotNil(t, x, test.in) {
			assert.Equal(t, test.want, *x, test.in)
		}
	}
}
