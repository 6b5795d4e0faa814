package httpapi

import "testing"

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 8<<20 {
		t.Fatalf("expected default 8MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != 8<<20 {
		t.Fatalf("expected default 8MiB on zero, got %d", maxBodyBytes)
	}
}

func TestSetMaxBodyBytes_PositiveSetsValue(t *testing.T) {
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
}

func TestSetCORSOptions_CopiesSlices(t *testing.T) {
	origins := []string{"http://localhost:3000"}
	SetCORSOptions(true, origins, []string{"GET"}, []string{"Authorization"})
	defer SetCORSOptions(false, nil, nil, nil)
	origins[0] = "mutated"
	if corsAllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("expected defensive copy, got %q", corsAllowedOrigins[0])
	}
	if !corsEnabled {
		t.Fatal("expected cors enabled")
	}
}
