package store

import (
	"strings"
	"testing"
)

func TestDefaultPostgresURLDefaults(t *testing.T) {
	t.Setenv("DATABASE_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("DATABASE_PORT", "")
	t.Setenv("DATABASE_NAME", "")
	t.Setenv("DATABASE_SSLMODE", "")
	got := defaultPostgresURL()
	want := "postgres://userpref@localhost:5432/userpref?sslmode=disable"
	if got != want {
		t.Fatalf("default url = %q, want %q", got, want)
	}
}

func TestDefaultPostgresURLFromEnv(t *testing.T) {
	t.Setenv("DATABASE_USER", "svc")
	t.Setenv("POSTGRES_PASSWORD", "s3cret")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "6432")
	t.Setenv("DATABASE_NAME", "prefs")
	t.Setenv("DATABASE_SSLMODE", "require")
	got := defaultPostgresURL()
	if !strings.Contains(got, "svc:s3cret@db.internal:6432/prefs") {
		t.Fatalf("url missing env parts: %q", got)
	}
	if !strings.Contains(got, "sslmode=require") {
		t.Fatalf("url missing sslmode: %q", got)
	}
}

func TestDefaultPostgresURLBadPortFallsBack(t *testing.T) {
	t.Setenv("DATABASE_PORT", "not-a-port")
	got := defaultPostgresURL()
	if !strings.Contains(got, ":5432/") {
		t.Fatalf("bad port should fall back to 5432, got %q", got)
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"verify-full ok", "postgres://u@h:5432/d?sslmode=verify-full", false},
		{"require ok", "postgres://u@h:5432/d?sslmode=require", false},
		{"disable rejected", "postgres://u@h:5432/d?sslmode=disable", true},
		{"prefer rejected", "postgres://u@h:5432/d?sslmode=prefer", true},
		{"missing rejected", "postgres://u@h:5432/d", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePostgresTLS(tc.url)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validatePostgresTLS(%q) err=%v, wantErr=%v", tc.url, err, tc.wantErr)
			}
		})
	}
}

func TestRequiresSecureTransport(t *testing.T) {
	for raw, want := range map[string]bool{
		"true": true, "1": true, "YES": true, "on": true,
		"false": false, "0": false, "": false, "maybe": false,
	} {
		t.Setenv("DATABASE_REQUIRE_TLS", raw)
		if got := requiresSecureTransport("DATABASE_REQUIRE_TLS"); got != want {
			t.Fatalf("requiresSecureTransport(%q) = %v, want %v", raw, got, want)
		}
	}
}
