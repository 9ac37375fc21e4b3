package slices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	tests := map[string]struct {
		input    []int
		expected []string
	}{
		"nil": {
			input:    nil,
			expected: nil,
		},
		"empty": {
			input:    []int{},
			expected: []string{},
		},
		"order is preserved": {
			input:    []int{3, 1, 2},
			expected: []string{"3", "1", "2"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Map(tc.input, strconv.Itoa))
		})
	}
}
