package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinks(t *testing.T) {
	got, err := parseLinks([]string{"1:2", "2:3"})
	require.NoError(t, err)
	assert.Equal(t, [][2]uint64{{1, 2}, {2, 3}}, got)

	for _, bad := range []string{"1", "a:2", "0:1", "1:-2"} {
		_, err := parseLinks([]string{bad})
		assert.Error(t, err, bad)
	}
}
