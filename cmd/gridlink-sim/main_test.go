package main

import (
	"os"
	"testing"
)

func TestEndpointName(t *testing.T) {
	tests := []struct {
		prefix string
		n      int
		want   string
	}{
		{"bkr", 1, "bkr-0001"},
		{"bkr", 42, "bkr-0042"},
		{"panel-a", 10000, "panel-a-10000"},
	}
	for _, tt := range tests {
		if got := endpointName(tt.prefix, tt.n); got != tt.want {
			t.Errorf("endpointName(%s, %d) = %s, want %s", tt.prefix, tt.n, got, tt.want)
		}
	}
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	originalEnv := os.Getenv("GRIDLINK_CONFIG")
	defer os.Setenv("GRIDLINK_CONFIG", originalEnv)

	os.Setenv("GRIDLINK_CONFIG", "/nonexistent/sim-config.yaml")
	if _, _, err := loadConfig(); err == nil {
		t.Fatal("loadConfig() should fail for a missing explicit path")
	}
}
