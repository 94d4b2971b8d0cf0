package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.RingTimeout != defaultRingTimeout {
		t.Errorf("RingTimeout = %s, want %s", cfg.RingTimeout, defaultRingTimeout)
	}
	if len(cfg.DTMFCandidates) != 4 || cfg.DTMFCandidates[0] != 101 {
		t.Errorf("DTMFCandidates = %v, want [101 100 102 96]", cfg.DTMFCandidates)
	}
	if len(cfg.VoicemailAccessPrefixes) != 1 || cfg.VoicemailAccessPrefixes[0] != "*" {
		t.Errorf("VoicemailAccessPrefixes = %v, want [*]", cfg.VoicemailAccessPrefixes)
	}
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cfg, err := load([]string{
		"-sip-port", "5080",
		"-ring-timeout", "20s",
		"-dtmf-candidates", "100,96",
		"-voicemail-prefixes", "*,**",
	})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	if cfg.SIPPort != 5080 {
		t.Errorf("SIPPort = %d, want 5080", cfg.SIPPort)
	}
	if cfg.RingTimeout != 20*time.Second {
		t.Errorf("RingTimeout = %s, want 20s", cfg.RingTimeout)
	}
	if len(cfg.DTMFCandidates) != 2 || cfg.DTMFCandidates[0] != 100 || cfg.DTMFCandidates[1] != 96 {
		t.Errorf("DTMFCandidates = %v, want [100 96]", cfg.DTMFCandidates)
	}
	if len(cfg.VoicemailAccessPrefixes) != 2 {
		t.Errorf("VoicemailAccessPrefixes = %v, want [* **]", cfg.VoicemailAccessPrefixes)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	os.Setenv("TELARIS_SIP_PORT", "5070")
	os.Setenv("TELARIS_LOG_LEVEL", "debug")
	defer os.Unsetenv("TELARIS_SIP_PORT")
	defer os.Unsetenv("TELARIS_LOG_LEVEL")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.SIPPort != 5070 {
		t.Errorf("SIPPort = %d, want 5070 from env", cfg.SIPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug from env", cfg.LogLevel)
	}
}

func TestLoadFlagBeatsEnv(t *testing.T) {
	os.Setenv("TELARIS_SIP_PORT", "5070")
	defer os.Unsetenv("TELARIS_SIP_PORT")

	cfg, err := load([]string{"-sip-port", "5090"})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.SIPPort != 5090 {
		t.Errorf("SIPPort = %d, want flag value 5090 over env", cfg.SIPPort)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad sip port", []string{"-sip-port", "0"}},
		{"tls cert without key", []string{"-tls-cert", "/tmp/cert.pem"}},
		{"zero ring timeout", []string{"-ring-timeout", "0s"}},
		{"dtmf outside dynamic range", []string{"-dtmf-candidates", "90"}},
		{"empty dtmf list", []string{"-dtmf-candidates", ""}},
		{"bad log level", []string{"-log-level", "verbose"}},
		{"zero forward hops", []string{"-forward-hop-limit", "0"}},
		{"zero event queue", []string{"-event-queue-size", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(tt.args); err == nil {
				t.Errorf("load(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestSlogLevelMapping(t *testing.T) {
	cfg := &Config{LogLevel: "warn"}
	if got := cfg.SlogLevel().String(); got != "WARN" {
		t.Errorf("SlogLevel() = %s, want WARN", got)
	}
}
