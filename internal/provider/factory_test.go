package provider

import (
	"path/filepath"
	"testing"

	"ctsync/internal/config"
)

func TestNewProviderFromConfig(t *testing.T) {
	root := filepath.Join(t.TempDir(), "remote")

	tests := []struct {
		name    string
		cfg     config.ProviderConfig
		wantNil bool
		wantErr bool
	}{
		{name: "unset runs offline", cfg: config.ProviderConfig{}, wantNil: true},
		{name: "filesystem without root runs offline", cfg: config.ProviderConfig{Type: "filesystem"}, wantNil: true},
		{name: "filesystem", cfg: config.ProviderConfig{Type: "filesystem", Root: root}},
		{name: "memory", cfg: config.ProviderConfig{Type: "memory"}},
		{name: "unknown", cfg: config.ProviderConfig{Type: "ftp"}, wantNil: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProviderFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewProviderFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (p == nil) != tt.wantNil {
				t.Errorf("NewProviderFromConfig() provider = %v, wantNil %v", p, tt.wantNil)
			}
		})
	}
}
