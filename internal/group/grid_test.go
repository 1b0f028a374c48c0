package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGridColumns(t *testing.T) {
	cases := []struct {
		participants int
		columns      int
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 2},
		{5, 3},
		{7, 3},
		{9, 3},
		{10, 4},
		{12, 4},
		{40, 4},
	}
	for _, c := range cases {
		assert.Equal(t, c.columns, GridColumns(c.participants), "participants=%d", c.participants)
	}
}
