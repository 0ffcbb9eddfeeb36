package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeEmail(t *testing.T) {
	require.Equal(t, "jane@firm.com", NormalizeEmail("  Jane@Firm.COM "))
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"jane@firm.com", true},
		{"", false},
		{"not-an-email", false},
		{"a@b", false},
		{"a@@b.com", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsValidEmail(tt.email), tt.email)
	}
}

func TestNormalizePhone(t *testing.T) {
	require.Equal(t, "+15551234567", NormalizePhone(" +1 (555) 123-4567 "))
	require.True(t, IsValidPhone("+1 555 123 4567"))
	require.False(t, IsValidPhone("12"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	require.Equal(t, "10.0.0.9", ClientIP(r))

	r.Header.Set("X-Real-IP", "192.0.2.4")
	require.Equal(t, "192.0.2.4", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", ClientIP(r))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "héll", Truncate("héllo", 4))
	require.Equal(t, "hi", Truncate("hi", 10))
}
