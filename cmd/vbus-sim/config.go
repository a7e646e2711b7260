package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type appConfig struct {
	topology        string
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubPolicy       string
	clientBuffer    int
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	trace           bool
}

func defaultConfig() *appConfig {
	return &appConfig{
		listenAddr:   ":20000",
		logFormat:    "text",
		logLevel:     "info",
		hubPolicy:    "drop",
		clientBuffer: 512,
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
	}
}

func (c *appConfig) bindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.topology, "topology", "t", c.topology, "YAML topology file (default: one CAN bus bridged on --listen)")
	fs.StringVar(&c.listenAddr, "listen", c.listenAddr, "TCP bridge address of the default topology")
	fs.StringVar(&c.logFormat, "log-format", c.logFormat, "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", c.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&c.hubPolicy, "hub-policy", c.hubPolicy, "Backpressure policy for bridge clients: drop|kick")
	fs.IntVar(&c.clientBuffer, "client-buffer", c.clientBuffer, "Per-client outbound buffer (bus messages)")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", c.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.IntVar(&c.maxClients, "max-clients", c.maxClients, "Maximum TCP clients per bridge (0 = unlimited)")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", c.handshakeTO, "Client handshake timeout")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", c.clientReadTO, "Per-connection read deadline")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", c.mdnsEnable, "Advertise TCP bridges via mDNS")
	fs.StringVar(&c.mdnsName, "mdns-name", c.mdnsName, "mDNS instance name prefix (default vbus-sim-<hostname>)")
	fs.BoolVar(&c.trace, "trace", c.trace, "Log every frame published on every bus")
}

// validate checks values and ranges only; nothing is opened.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.clientBuffer <= 0 {
		return fmt.Errorf("client-buffer must be > 0 (got %d)", c.clientBuffer)
	}
	if c.topology == "" && c.listenAddr == "" {
		return errors.New("listen must be set without a topology file")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

const envPrefix = "VBUS_SIM_"

// envName maps a flag name to its environment variable: log-level becomes
// VBUS_SIM_LOG_LEVEL.
func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// applyEnvOverrides copies VBUS_SIM_* variables into c for every flag not in
// set; explicitly set flags win. Empty values are ignored. The first parse
// error is returned after all variables were looked at.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(flag string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envName(flag), err)
		}
	}
	lookup := func(flag string) (string, bool) {
		if _, ok := set[flag]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envName(flag))
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flag string, dst *string) {
		if v, ok := lookup(flag); ok {
			*dst = v
		}
	}
	integer := func(flag string, dst *int, floor int) {
		v, ok := lookup(flag)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err == nil && n < floor {
			err = fmt.Errorf("%d below %d", n, floor)
		}
		if err != nil {
			fail(flag, err)
			return
		}
		*dst = n
	}
	duration := func(flag string, dst *time.Duration) {
		v, ok := lookup(flag)
		if !ok {
			return
		}
		d, err := time.ParseDuration(v)
		if err == nil && d < 0 {
			err = fmt.Errorf("negative duration %v", d)
		}
		if err != nil {
			fail(flag, err)
			return
		}
		*dst = d
	}
	boolean := func(flag string, dst *bool) {
		v, ok := lookup(flag)
		if !ok {
			return
		}
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			fail(flag, fmt.Errorf("not a boolean: %q", v))
		}
	}

	str("topology", &c.topology)
	str("listen", &c.listenAddr)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	str("hub-policy", &c.hubPolicy)
	str("mdns-name", &c.mdnsName)
	integer("client-buffer", &c.clientBuffer, 1)
	integer("max-clients", &c.maxClients, 0)
	duration("log-metrics-interval", &c.logMetricsEvery)
	duration("handshake-timeout", &c.handshakeTO)
	duration("client-read-timeout", &c.clientReadTO)
	boolean("mdns-enable", &c.mdnsEnable)
	boolean("trace", &c.trace)
	// an empty metrics address disables the endpoint, so it is honored
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv(envName("metrics-addr")); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	return firstErr
}

// changedFlags lists the flags set on the command line.
func changedFlags(fs *pflag.FlagSet) map[string]struct{} {
	set := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = struct{}{} })
	return set
}

// resolve merges environment overrides into c and validates the result.
func (c *appConfig) resolve(fs *pflag.FlagSet) error {
	if err := applyEnvOverrides(c, changedFlags(fs)); err != nil {
		return fmt.Errorf("environment override error: %w", err)
	}
	if err := c.validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	return nil
}
