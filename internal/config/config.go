package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "line"
	defaultRiemannHost       = "localhost"
	defaultRiemannPort       = 5555
	defaultRiemannTransport  = "stream"
	defaultReconnectInterval = 5 * time.Second
	defaultDialTimeout       = 5 * time.Second
	defaultIOTimeout         = 5 * time.Second
	defaultMaxDatagramSize   = 16384
	defaultCheckInterval     = 10 * time.Second
	defaultScriptTimeout     = 5 * time.Second
	defaultDebugListen       = "127.0.0.1:6060"
	defaultHealthListen      = "127.0.0.1:5557"
)

// Check kinds accepted in [[check]].kind.
const (
	CheckCPU    = "cpu"
	CheckRAM    = "ram"
	CheckSwap   = "swap"
	CheckLoad   = "load"
	CheckScript = "script"
)

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root agent configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	Global  GlobalConfig  `toml:"global"`
	Log     LogConfig     `toml:"log"`
	Riemann RiemannConfig `toml:"riemann"`
	Debug   DebugConfig   `toml:"debug"`
	Health  HealthConfig  `toml:"health"`
	Check   []CheckConfig `toml:"check"`
}

// GlobalConfig contains settings shared by every event.
// Params: source host and context tags.
// Returns: global event settings.
type GlobalConfig struct {
	Host string   `toml:"host"`
	Tags []string `toml:"tags"`
}

// LogConfig contains console/file logging configuration.
// Params: console and file sink options.
// Returns: logger sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// RiemannConfig defines the collector endpoint and client behavior.
// Params: endpoint, transport mode, error policy, and timing options.
// Returns: client settings.
type RiemannConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	Transport          string   `toml:"transport"`
	SuppressSendErrors bool     `toml:"suppress_send_errors"`
	ThrowOnTickError   bool     `toml:"throw_on_tick_error"`
	StreamFallback     bool     `toml:"stream_fallback"`
	ReconnectInterval  Duration `toml:"reconnect_interval"`
	DialTimeout        Duration `toml:"dial_timeout"`
	IOTimeout          Duration `toml:"io_timeout"`
	MaxDatagramSize    int      `toml:"max_datagram_size"`
}

// DebugConfig defines the optional debug HTTP endpoint.
// Params: pprof/metrics toggles and listen address in host:port format.
// Returns: debug server settings.
type DebugConfig struct {
	Pprof   bool   `toml:"pprof"`
	Metrics bool   `toml:"metrics"`
	Listen  string `toml:"listen"`
}

// Enabled reports whether any debug handler is configured.
func (d DebugConfig) Enabled() bool {
	return d.Pprof || d.Metrics
}

// HealthConfig defines the optional gRPC health endpoint.
// Params: enabled flag and listen address in host:port format.
// Returns: health server settings.
type HealthConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// CheckConfig defines one recurring host check.
// Params: identity, schedule, thresholds, decoration, and script execution fields.
// Returns: one check runtime config.
type CheckConfig struct {
	Name       string            `toml:"name"`
	Kind       string            `toml:"kind"`
	Service    string            `toml:"service"`
	Interval   Duration          `toml:"interval"`
	TTL        Duration          `toml:"ttl"`
	Warning    *float64          `toml:"warning"`
	Critical   *float64          `toml:"critical"`
	Tags       []string          `toml:"tags"`
	Attributes map[string]string `toml:"attributes"`
	Path       string            `toml:"path"`
	Args       []string          `toml:"args"`
	Timeout    Duration          `toml:"timeout"`
	Env        map[string]string `toml:"env"`
}

// IntervalSeconds returns the check interval in whole seconds.
func (c CheckConfig) IntervalSeconds() int32 {
	return int32(c.Interval.Duration / time.Second)
}

// TTLSeconds returns the explicit TTL in whole seconds; 0 derives it from the interval.
func (c CheckConfig) TTLSeconds() int32 {
	return int32(c.TTL.Duration / time.Second)
}

// Load reads, expands, validates, and returns config from path.
// Params: path to TOML config file or directory with *.toml files.
// Returns: validated config pointer or error.
func Load(path string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	return readConfigDir(path)
}

// readConfigDir concatenates config snippets from one directory.
// Params: path to directory that contains *.toml files.
// Returns: concatenated TOML content or error.
func readConfigDir(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}

	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: error if defaulting needs host lookup and it fails.
func (c *Config) applyDefaults() error {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	if strings.TrimSpace(c.Global.Host) == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		c.Global.Host = host
	}

	c.Riemann.applyDefaults()

	if c.Debug.Enabled() && strings.TrimSpace(c.Debug.Listen) == "" {
		c.Debug.Listen = defaultDebugListen
	}
	if c.Health.Enabled && strings.TrimSpace(c.Health.Listen) == "" {
		c.Health.Listen = defaultHealthListen
	}

	for i := range c.Check {
		applyCheckDefaults(&c.Check[i])
	}
	return nil
}

// applyDefaults fills collector endpoint and timing defaults.
// Params: receiver riemann section.
// Returns: none.
func (r *RiemannConfig) applyDefaults() {
	if strings.TrimSpace(r.Host) == "" {
		r.Host = defaultRiemannHost
	}
	if r.Port == 0 {
		r.Port = defaultRiemannPort
	}
	r.Transport = lowerOrDefault(r.Transport, defaultRiemannTransport)
	if r.ReconnectInterval.Duration <= 0 {
		r.ReconnectInterval.Duration = defaultReconnectInterval
	}
	if r.DialTimeout.Duration <= 0 {
		r.DialTimeout.Duration = defaultDialTimeout
	}
	if r.IOTimeout.Duration <= 0 {
		r.IOTimeout.Duration = defaultIOTimeout
	}
	if r.MaxDatagramSize == 0 {
		r.MaxDatagramSize = defaultMaxDatagramSize
	}
}

// applyCheckDefaults fills per-check defaults.
// Params: check pointer.
// Returns: none.
func applyCheckDefaults(check *CheckConfig) {
	check.Kind = strings.ToLower(strings.TrimSpace(check.Kind))
	if strings.TrimSpace(check.Name) == "" {
		check.Name = check.Kind
	}
	if strings.TrimSpace(check.Service) == "" {
		check.Service = check.Name
	}
	if check.Interval.Duration == 0 {
		check.Interval.Duration = defaultCheckInterval
	}
	if check.Kind == CheckScript && check.Timeout.Duration == 0 {
		check.Timeout.Duration = defaultScriptTimeout
	}
}

// validate checks required fields and value ranges.
// Params: receiver config.
// Returns: first path-qualified validation error.
func (c *Config) validate() error {
	if strings.TrimSpace(c.Global.Host) == "" {
		return fmt.Errorf("global.host resolved to empty value")
	}
	for idx, tag := range c.Global.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("global.tags[%d] cannot be empty", idx)
		}
	}

	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if err := validateRiemannConfig("riemann", c.Riemann); err != nil {
		return err
	}
	if err := validateListen("debug", c.Debug.Enabled(), c.Debug.Listen); err != nil {
		return err
	}
	if err := validateListen("health", c.Health.Enabled, c.Health.Listen); err != nil {
		return err
	}

	if len(c.Check) == 0 {
		return fmt.Errorf("at least one [[check]] section is required")
	}

	names := make(map[string]int, len(c.Check))
	for idx, check := range c.Check {
		path := fmt.Sprintf("check[%d]", idx)
		if prev, ok := names[check.Name]; ok {
			return fmt.Errorf("%s.name %q duplicates check[%d]", path, check.Name, prev)
		}
		names[check.Name] = idx

		if err := validateCheck(path, check); err != nil {
			return err
		}
	}

	return nil
}

// validateRiemannConfig validates collector endpoint settings.
// Params: path for error prefix; cfg riemann section.
// Returns: validation error or nil.
func validateRiemannConfig(path string, cfg RiemannConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("%s.port must be in 1..65535", path)
	}
	switch cfg.Transport {
	case "datagram", "stream":
	default:
		return fmt.Errorf("%s.transport: unsupported value %q", path, cfg.Transport)
	}
	if cfg.MaxDatagramSize < 0 {
		return fmt.Errorf("%s.max_datagram_size must be > 0", path)
	}
	return nil
}

// validateCheck validates one [[check]] section.
// Params: path for error prefix; check defaulted check config.
// Returns: validation error or nil.
func validateCheck(path string, check CheckConfig) error {
	switch check.Kind {
	case CheckCPU, CheckRAM, CheckSwap, CheckLoad:
		if strings.TrimSpace(check.Path) != "" {
			return fmt.Errorf("%s.path is only valid for kind %q", path, CheckScript)
		}
	case CheckScript:
		if strings.TrimSpace(check.Path) == "" {
			return fmt.Errorf("%s.path is required for kind %q", path, CheckScript)
		}
		if check.Timeout.Duration < 0 {
			return fmt.Errorf("%s.timeout must be > 0", path)
		}
	case "":
		return fmt.Errorf("%s.kind is required", path)
	default:
		return fmt.Errorf("%s.kind: unsupported value %q", path, check.Kind)
	}

	if check.Interval.Duration < time.Second {
		return fmt.Errorf("%s.interval must be >= 1s", path)
	}
	if check.Interval.Duration%time.Second != 0 {
		return fmt.Errorf("%s.interval must be a whole number of seconds", path)
	}
	if check.TTL.Duration < 0 {
		return fmt.Errorf("%s.ttl cannot be negative", path)
	}
	if check.Warning != nil && check.Critical != nil && *check.Warning > *check.Critical {
		return fmt.Errorf("%s.warning must be <= critical", path)
	}
	for idx, tag := range check.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%s.tags[%d] cannot be empty", path, idx)
		}
	}
	return nil
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	if err := validateLogLevel(sink.Level); err != nil {
		return fmt.Errorf("%s.level: %w", name, err)
	}
	if err := validateLogFormat(sink.Format); err != nil {
		return fmt.Errorf("%s.format: %w", name, err)
	}

	return nil
}

// validateLogLevel validates known log levels.
// Params: level is lower-case level name.
// Returns: error when level is unsupported.
func validateLogLevel(level string) error {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "info", "warn", "error", "debug":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", level)
	}
}

// validateLogFormat validates supported sink formats.
// Params: format is lower-case format name.
// Returns: error when format is unsupported.
func validateLogFormat(format string) error {
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "line", "json":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", format)
	}
}

// validateListen validates an optional listener address.
// Params: path for error prefix; enabled toggle; listen host:port.
// Returns: validation error or nil.
func validateListen(path string, enabled bool, listen string) error {
	if !enabled {
		return nil
	}
	if strings.TrimSpace(listen) == "" {
		return fmt.Errorf("%s.listen cannot be empty when enabled", path)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return fmt.Errorf("%s.listen must be host:port: %w", path, err)
	}
	return nil
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
// Params: value to normalize; fallback value when empty.
// Returns: normalized value.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}
