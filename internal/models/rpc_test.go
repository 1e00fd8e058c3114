package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"AB12CD":    "AB12CD",
		" ab12cd\n": "AB12CD",
		"ab 12 cd":  "AB12CD",
		"\tab 12cd": "AB12CD",
		"":          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeCode(in), "input %q", in)
	}
}
