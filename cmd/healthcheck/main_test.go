package main

import "testing"

func TestLocalAddr(t *testing.T) {
	tests := []struct {
		httpAddr, port, want string
	}{
		{"", "", "localhost:8080"},
		{"", "9000", "localhost:9000"},
		{":7000", "9000", "localhost:7000"},
		{"0.0.0.0:8081", "", "0.0.0.0:8081"},
	}
	for _, tt := range tests {
		if got := localAddr(tt.httpAddr, tt.port); got != tt.want {
			t.Errorf("localAddr(%q, %q) = %q, want %q", tt.httpAddr, tt.port, got, tt.want)
		}
	}
}
