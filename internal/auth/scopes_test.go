package auth

import (
	"reflect"
	"testing"
)

func TestHasScopes(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required []string
		want     bool
	}{
		{"empty required admits any principal", []string{"chat:base"}, nil, true},
		{"exact match", []string{"chat:base"}, []string{"chat:base"}, true},
		{"missing scope", []string{"chat:base"}, []string{"embeddings:base"}, false},
		{"admin covers everything", []string{"admin"}, []string{"embeddings:base", "models:read"}, true},
		{"subset required", []string{"chat:base", "models:read"}, []string{"models:read"}, true},
		{"no scopes at all", nil, []string{"chat:base"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScopes(tt.granted, tt.required); got != tt.want {
				t.Fatalf("HasScopes(%v, %v) = %v, want %v", tt.granted, tt.required, got, tt.want)
			}
		})
	}
}

func TestValidScopes(t *testing.T) {
	got := ValidScopes([]string{"chat:base", "bogus", "admin", "also-bogus"})
	want := []string{"chat:base", "admin"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ValidScopes = %v, want %v", got, want)
	}

	if got := ValidScopes(nil); got != nil {
		t.Fatalf("ValidScopes(nil) = %v, want nil", got)
	}
}
