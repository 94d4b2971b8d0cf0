package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Dialplan declares the extensions and trunks the engine serves. It is
// read once at startup; edits take effect on restart.
type Dialplan struct {
	Extensions []ExtensionEntry `json:"extensions"`
	Trunks     []TrunkEntry     `json:"trunks"`
}

// ExtensionEntry is one provisioned extension.
type ExtensionEntry struct {
	Number           string `json:"number"`
	DisplayName      string `json:"display_name,omitempty"`
	Password         string `json:"password,omitempty"`
	AllowExternal    bool   `json:"allow_external,omitempty"`
	DND              bool   `json:"dnd,omitempty"`
	ForwardTo        string `json:"forward_to,omitempty"`
	Voicemail        bool   `json:"voicemail,omitempty"`
	MaxRegistrations int    `json:"max_registrations,omitempty"`
}

// TrunkEntry is one provisioned carrier trunk. Either host or
// srv_domain must be set.
type TrunkEntry struct {
	Name         string   `json:"name"`
	Priority     int      `json:"priority"`
	Transport    string   `json:"transport,omitempty"`
	Host         string   `json:"host,omitempty"`
	Port         int      `json:"port,omitempty"`
	SRVDomain    string   `json:"srv_domain,omitempty"`
	SRVReresolve Duration `json:"srv_reresolve,omitempty"`
	Classes      []string `json:"classes,omitempty"`
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
}

// Duration unmarshals from a Go duration string like "5m".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// LoadDialplan reads and validates a dialplan file. A missing file is
// an error; an engine with nothing to serve is a misconfiguration.
func LoadDialplan(path string) (*Dialplan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dialplan: %w", err)
	}
	var dp Dialplan
	if err := json.Unmarshal(data, &dp); err != nil {
		return nil, fmt.Errorf("parsing dialplan %s: %w", path, err)
	}
	if err := dp.validate(); err != nil {
		return nil, fmt.Errorf("invalid dialplan %s: %w", path, err)
	}
	return &dp, nil
}

func (dp *Dialplan) validate() error {
	seen := make(map[string]bool, len(dp.Extensions))
	for _, ext := range dp.Extensions {
		if ext.Number == "" {
			return fmt.Errorf("extension with empty number")
		}
		if seen[ext.Number] {
			return fmt.Errorf("duplicate extension %s", ext.Number)
		}
		seen[ext.Number] = true
		if ext.ForwardTo == ext.Number && ext.ForwardTo != "" {
			return fmt.Errorf("extension %s forwards to itself", ext.Number)
		}
	}

	names := make(map[string]bool, len(dp.Trunks))
	for _, tr := range dp.Trunks {
		if tr.Name == "" {
			return fmt.Errorf("trunk with empty name")
		}
		if names[tr.Name] {
			return fmt.Errorf("duplicate trunk %s", tr.Name)
		}
		names[tr.Name] = true
		if tr.Host == "" && tr.SRVDomain == "" {
			return fmt.Errorf("trunk %s: either host or srv_domain required", tr.Name)
		}
	}
	return nil
}
