package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBannerHasNoBlankLineUnderLogo(t *testing.T) {
	b := banner("SERVER")

	assert.True(t, strings.HasPrefix(b, asciiLogo))
	assert.NotContains(t, b, "╝\n\n")
	assert.Contains(t, b, "╝\n  ► plantwatch "+version+"  |  Mode: SERVER\n\n")
}
