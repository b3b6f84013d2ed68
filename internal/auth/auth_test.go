package auth

import (
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"standard", "Bearer hgk_abc123", "hgk_abc123", true},
		{"lowercase scheme", "bearer hgk_abc123", "hgk_abc123", true},
		{"surrounding space", "Bearer   hgk_abc123  ", "hgk_abc123", true},
		{"missing header", "", "", false},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", false},
		{"bare token", "hgk_abc123", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/hostcall", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, ok := ExtractBearerToken(r)
			if ok != tt.ok || got != tt.want {
				t.Errorf("got (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestValidKeyFormat(t *testing.T) {
	valid := []string{"hgk_abcd", "hgk_0123456789abcdef"}
	for _, k := range valid {
		if !ValidKeyFormat(k) {
			t.Errorf("key %q should be valid", k)
		}
	}

	invalid := []string{"", "hgk", "hgk_abc", "sk_abcdef", "abcdefghij"}
	for _, k := range invalid {
		if ValidKeyFormat(k) {
			t.Errorf("key %q should be invalid", k)
		}
	}
}
