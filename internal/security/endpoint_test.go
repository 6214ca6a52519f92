package security

import (
	"strings"
	"testing"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{"public https literal", "https://203.0.113.9/payengine", ""},
		{"public http literal", "http://203.0.113.9:8080/events", ""},
		{"bad scheme", "ftp://hooks.example.com", "scheme"},
		{"no host", "https://", "host"},
		{"localhost", "http://localhost:9000/hook", "not allowed"},
		{"metadata service", "http://metadata.google.internal/computeMetadata", "not allowed"},
		{"loopback literal", "http://127.0.0.1/hook", "loopback"},
		{"private literal", "http://10.0.12.3/hook", "private"},
		{"link local literal", "http://169.254.169.254/latest/meta-data", "link-local"},
		{"unspecified", "http://0.0.0.0/hook", "unspecified"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected %s to validate, got %v", tc.url, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected %s to be rejected", tc.url)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}
