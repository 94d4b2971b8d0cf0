package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the Telaris engine.
// Precedence: CLI flags > env vars > defaults.
//
// The engine treats the loaded Config as a read-only snapshot: changes to
// routing or trunk settings take effect on the next new call, never
// mid-session.
type Config struct {
	SIPPort    int
	SIPTLSPort int
	OpsPort    int // HTTP port for /metrics and /healthz
	TLSCert    string
	TLSKey     string
	ExternalIP string // public IP advertised in Contact/SDP
	LogLevel   string
	LogFormat  string // "text" or "json"
	DataDir    string // directory for the CDR database
	Dialplan   string // path to the extensions/trunks dialplan file

	// Call behaviour.
	RingTimeout     time.Duration // how long extensions ring before no-answer handling
	MaxCallDuration time.Duration // hard cap on a session's lifetime (0 = unlimited)
	ForwardHopLimit int           // max hops in a forwarding chain before giving up

	// Media negotiation.
	CodecPreference []string // local override priority, e.g. G722,PCMU,PCMA,opus
	DTMFCandidates  []int    // RFC 2833 payload types probed in order

	// Voicemail access prefixes stripped from dialed strings before they are
	// used as mailbox identifiers ("*1001" deposits into mailbox "1001").
	VoicemailAccessPrefixes []string

	// Trunk health.
	ProbeInterval     time.Duration // OPTIONS probe period per trunk
	ProbeTimeout      time.Duration // max wait for a probe response
	FailureThreshold  int           // consecutive failures: degraded -> failed
	RecoveryThreshold int           // consecutive successes: failed -> healthy
	DNSTimeout        time.Duration // SRV resolution timeout

	// Event fan-out.
	EventQueueSize   int // bounded queue depth before events are dropped
	EventWorkerCount int
}

const (
	defaultSIPPort    = 5060
	defaultSIPTLSPort = 5061
	defaultOpsPort    = 9090
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
	defaultDataDir    = "./data"
	defaultDialplan   = "./dialplan.json"

	defaultRingTimeout     = 30 * time.Second
	defaultMaxCallDuration = 4 * time.Hour
	defaultForwardHopLimit = 5

	defaultProbeInterval     = 30 * time.Second
	defaultProbeTimeout      = 5 * time.Second
	defaultFailureThreshold  = 3
	defaultRecoveryThreshold = 2
	defaultDNSTimeout        = 5 * time.Second

	defaultEventQueueSize   = 1024
	defaultEventWorkerCount = 4
)

// defaultCodecPreference prefers wideband for internal calls to avoid
// transcoding, then the ubiquitous G.711 variants.
var defaultCodecPreference = []string{"G722", "PCMU", "PCMA", "opus"}

// defaultDTMFCandidates is the RFC 2833 telephone-event payload-type probe
// order. 101 is the de-facto convention; the rest cover common deviations.
var defaultDTMFCandidates = []int{101, 100, 102, 96}

// defaultVoicemailPrefixes covers the single-star access prefix. Deployments
// with richer feature-code plans can extend this list.
var defaultVoicemailPrefixes = []string{"*"}

// envPrefix is the prefix for all Telaris environment variables.
const envPrefix = "TELARIS_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	var codecs, dtmf, vmPrefixes string

	fs := flag.NewFlagSet("telaris", flag.ContinueOnError)
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.SIPTLSPort, "sip-tls-port", defaultSIPTLSPort, "SIP TLS listen port")
	fs.IntVar(&cfg.OpsPort, "ops-port", defaultOpsPort, "HTTP port for metrics and health endpoints")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address advertised to peers (auto-detected if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the CDR database")
	fs.StringVar(&cfg.Dialplan, "dialplan", defaultDialplan, "path to the extensions/trunks dialplan file")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", defaultRingTimeout, "how long extensions ring before no-answer handling")
	fs.DurationVar(&cfg.MaxCallDuration, "max-call-duration", defaultMaxCallDuration, "hard cap on call duration (0 for unlimited)")
	fs.IntVar(&cfg.ForwardHopLimit, "forward-hop-limit", defaultForwardHopLimit, "maximum forwarding chain length")
	fs.StringVar(&codecs, "codec-preference", strings.Join(defaultCodecPreference, ","), "comma-separated codec priority override")
	fs.StringVar(&dtmf, "dtmf-candidates", joinInts(defaultDTMFCandidates), "comma-separated RFC 2833 payload type probe order")
	fs.StringVar(&vmPrefixes, "voicemail-prefixes", strings.Join(defaultVoicemailPrefixes, ","), "comma-separated voicemail access prefixes stripped from mailbox ids")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", defaultProbeInterval, "trunk OPTIONS probe period")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", defaultProbeTimeout, "trunk OPTIONS probe timeout")
	fs.IntVar(&cfg.FailureThreshold, "failure-threshold", defaultFailureThreshold, "consecutive probe failures before a trunk is marked failed")
	fs.IntVar(&cfg.RecoveryThreshold, "recovery-threshold", defaultRecoveryThreshold, "consecutive probe successes before a failed trunk recovers")
	fs.DurationVar(&cfg.DNSTimeout, "dns-timeout", defaultDNSTimeout, "DNS SRV resolution timeout")
	fs.IntVar(&cfg.EventQueueSize, "event-queue-size", defaultEventQueueSize, "bounded event queue depth")
	fs.IntVar(&cfg.EventWorkerCount, "event-workers", defaultEventWorkerCount, "event delivery worker count")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs)

	cfg.CodecPreference = splitList(codecs)
	cfg.VoicemailAccessPrefixes = splitList(vmPrefixes)

	var err error
	cfg.DTMFCandidates, err = splitInts(dtmf)
	if err != nil {
		return nil, fmt.Errorf("invalid dtmf-candidates: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides sets flag values from TELARIS_* environment variables for
// any flag not explicitly provided on the command line, preserving the
// precedence CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		// A malformed value is ignored and the default wins.
		_ = fs.Set(f.Name, val)
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.SIPTLSPort < 1 || c.SIPTLSPort > 65535 {
		return fmt.Errorf("sip-tls-port must be between 1 and 65535, got %d", c.SIPTLSPort)
	}
	if c.OpsPort < 1 || c.OpsPort > 65535 {
		return fmt.Errorf("ops-port must be between 1 and 65535, got %d", c.OpsPort)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.RingTimeout <= 0 {
		return fmt.Errorf("ring-timeout must be positive, got %s", c.RingTimeout)
	}
	if c.ForwardHopLimit < 1 {
		return fmt.Errorf("forward-hop-limit must be at least 1, got %d", c.ForwardHopLimit)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure-threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryThreshold < 1 {
		return fmt.Errorf("recovery-threshold must be at least 1, got %d", c.RecoveryThreshold)
	}
	if len(c.DTMFCandidates) == 0 {
		return fmt.Errorf("dtmf-candidates must not be empty")
	}
	for _, pt := range c.DTMFCandidates {
		if pt < 96 || pt > 127 {
			return fmt.Errorf("dtmf payload type %d outside dynamic range 96-127", pt)
		}
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("event-queue-size must be at least 1, got %d", c.EventQueueSize)
	}
	if c.EventWorkerCount < 1 {
		return fmt.Errorf("event-workers must be at least 1, got %d", c.EventWorkerCount)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	c.LogFormat = strings.ToLower(c.LogFormat)
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	return nil
}

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// AdvertisedIP returns the IP address to use in Contact headers and SDP.
// If ExternalIP is configured it is returned directly; otherwise the primary
// non-loopback IPv4 address is detected. Falls back to "127.0.0.1".
func (c *Config) AdvertisedIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the configured format
// and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitInts(s string) ([]int, error) {
	var out []int
	for _, p := range splitList(s) {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
