package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   string
		ok     bool
	}{
		{name: "lowercased", origin: "HTTP://Example.COM", want: "http://example.com", ok: true},
		{name: "with port", origin: "http://example.com:8080", want: "http://example.com:8080", ok: true},
		{name: "missing scheme", origin: "example.com", ok: false},
		{name: "missing host", origin: "http://", ok: false},
		{name: "empty", origin: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeOrigin(tt.origin)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(&Config{AllowedOrigins: []string{"http://allowed.example.com"}})

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{name: "allowed origin", origin: "http://allowed.example.com", want: true},
		{name: "allowed origin different case", origin: "HTTP://Allowed.Example.COM", want: true},
		{name: "disallowed origin", origin: "http://evil.example.com", want: false},
		{name: "missing origin header", origin: "", want: false},
		{name: "unparseable origin", origin: "://", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r))
		})
	}
}

func TestCheckOriginWildcard(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(&Config{AllowedOrigins: []string{"*"}})

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "http://anything.example.com")
	assert.True(t, checkOrigin(r))

	// A wildcard still requires a parseable Origin header.
	r = httptest.NewRequest("GET", "/ws", nil)
	assert.False(t, checkOrigin(r))
}
