package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	out := String()
	assert.True(t, strings.HasPrefix(out, "version: "+Version+"\n"))
	assert.Contains(t, out, "built: "+BuildDate)
	assert.Contains(t, out, "go: ")
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "yieldguard/"+Version, UserAgent())
}
