package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.100", "192.168.1.0"},
		{"10.0.0.7:5555", "10.0.0.0"},
		{"2001:db8:abcd:12::1", "2001:db8::"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactIP(tt.in), tt.in)
	}
	assert.True(t, strings.HasPrefix(RedactIP("not-an-ip"), "hash:"))
}

func TestRedactSecret(t *testing.T) {
	got := RedactSecret("GET /api/v1/pastes/abc?password=hunter2&x=1")
	assert.NotContains(t, got, "hunter2")
	assert.Contains(t, got, "password=[REDACTED]")
}

func TestRedactContent(t *testing.T) {
	assert.Equal(t, "", RedactContent(""))
	assert.Equal(t, "[REDACTED]", RedactContent("short"))
	assert.Equal(t, "abcdefgh...[REDACTED]", RedactContent("abcdefghijklmnopqrstuvwxyz"))
}
