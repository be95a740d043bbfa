package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TCP.Port != 9000 {
		t.Errorf("TCP.Port = %d, want 9000", cfg.TCP.Port)
	}
	if cfg.Exchange.WSURL == "" {
		t.Error("Exchange.WSURL is empty, want a default")
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarder.yaml")
	yamlContent := `
assets: [btcusdt, ethusdt]
tcp:
  port: 9100
shm:
  enabled: true
  name: perp-forwarder
  capacity: 1048576
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TCP.Port != 9100 {
		t.Errorf("TCP.Port = %d, want 9100 (file overlay)", cfg.TCP.Port)
	}
	if cfg.TCP.SendBuffer != 1024 {
		t.Errorf("TCP.SendBuffer = %d, want 1024 (default preserved)", cfg.TCP.SendBuffer)
	}
	if !cfg.SHM.Enabled || cfg.SHM.Name != "perp-forwarder" {
		t.Errorf("SHM = %+v, want enabled with name perp-forwarder", cfg.SHM)
	}
}

func TestValidateRejectsNoAssets(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err == nil {
		t.Error("Validate(no assets) succeeded, want error")
	}
}

func TestValidateRejectsTooManyAssets(t *testing.T) {
	cfg := defaults()
	cfg.Assets = make([]string, 11)
	for i := range cfg.Assets {
		cfg.Assets[i] = "SYM"
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate(11 assets) succeeded, want error")
	}
}

func TestValidateRejectsNoSinkEnabled(t *testing.T) {
	cfg := defaults()
	cfg.Assets = []string{"BTCUSDT"}
	cfg.TCP.Enabled = false
	if err := cfg.Validate(); err == nil {
		t.Error("Validate(no sink enabled) succeeded, want error")
	}
}

func TestValidateUppercasesAssets(t *testing.T) {
	cfg := defaults()
	cfg.Assets = []string{" btcusdt ", "ethusdt"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Assets[0] != "BTCUSDT" || cfg.Assets[1] != "ETHUSDT" {
		t.Errorf("Assets = %v, want [BTCUSDT ETHUSDT]", cfg.Assets)
	}
}

func TestValidateRequiresSHMNameWhenEnabled(t *testing.T) {
	cfg := defaults()
	cfg.Assets = []string{"BTCUSDT"}
	cfg.SHM.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("Validate(shm enabled, no name) succeeded, want error")
	}
}

func TestSetAssets(t *testing.T) {
	cfg := defaults()
	cfg.SetAssets("btcusdt,ethusdt")
	if len(cfg.Assets) != 2 {
		t.Fatalf("Assets = %v, want 2 entries", cfg.Assets)
	}
}
