// Package config loads daemon settings from defaults, an optional YAML file
// and command-line flags, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/comsync/internal/comline"
	"github.com/sweeney/comsync/internal/logic"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config holds every daemon setting. Durations in the YAML file use Go
// duration strings ("5ms", "15m").
type Config struct {
	Role      string        `yaml:"role"`
	Interval  time.Duration `yaml:"interval"`
	Poll      time.Duration `yaml:"poll"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	LeadHold  time.Duration `yaml:"lead_hold"`
	TripHold  time.Duration `yaml:"trip_hold"`
	Broker    string        `yaml:"broker"`
	Node      string        `yaml:"node"`
	HTTPAddr  string        `yaml:"http"`
	WSBroker  string        `yaml:"ws_broker"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Role:      "slave",
		Interval:  time.Second,
		Poll:      5 * time.Millisecond,
		Heartbeat: 15 * time.Minute,
		LeadHold:  comline.LeadHold,
		TripHold:  comline.TripHold,
		Broker:    "tcp://192.168.1.200:1883",
		Node:      "comsync",
		HTTPAddr:  ":80",
		WSBroker:  "=broker",
	}
}

// Load reads the YAML file at path over base. Unknown keys are rejected.
func Load(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(bytes.NewReader(data), base)
	if err != nil {
		return base, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r over base. An empty document leaves base as is.
func Parse(r io.Reader, base Config) (Config, error) {
	cfg := base
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// RegisterFlags defines one flag per setting on fs, defaulting to c's values
// and writing into c.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Role, "role", c.Role, "Node role: master or slave")
	fs.DurationVar(&c.Interval, "interval", c.Interval, "Master signal interval (0 to disable)")
	fs.DurationVar(&c.Poll, "poll", c.Poll, "Main loop period")
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "Heartbeat interval (0 to disable)")
	fs.DurationVar(&c.LeadHold, "lead-hold", c.LeadHold, "Lead line hold before the trip edge")
	fs.DurationVar(&c.TripHold, "trip-hold", c.TripHold, "Trip line hold before release")
	fs.StringVar(&c.Broker, "broker", c.Broker, "MQTT broker address")
	fs.StringVar(&c.Node, "node", c.Node, "Node id used in MQTT topics and client id")
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "HTTP status address (empty to disable)")
	fs.StringVar(&c.WSBroker, "ws-broker", c.WSBroker, `MQTT websocket URL for live UI ("=broker" derives from --broker, "off" disables)`)
}

// Overlay copies into dst the settings whose flags were set explicitly on fs.
func Overlay(dst *Config, flags Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			dst.Role = flags.Role
		case "interval":
			dst.Interval = flags.Interval
		case "poll":
			dst.Poll = flags.Poll
		case "heartbeat":
			dst.Heartbeat = flags.Heartbeat
		case "lead-hold":
			dst.LeadHold = flags.LeadHold
		case "trip-hold":
			dst.TripHold = flags.TripHold
		case "broker":
			dst.Broker = flags.Broker
		case "node":
			dst.Node = flags.Node
		case "http":
			dst.HTTPAddr = flags.HTTPAddr
		case "ws-broker":
			dst.WSBroker = flags.WSBroker
		}
	})
}

// Validate checks every setting and returns all problems found.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := logic.ParseRole(c.Role); err != nil {
		bad("role %q: want master or slave", c.Role)
	}
	if c.Interval < 0 {
		bad("interval %v is negative", c.Interval)
	}
	if c.Poll <= 0 {
		bad("poll %v must be positive", c.Poll)
	}
	if c.Heartbeat < 0 {
		bad("heartbeat %v is negative", c.Heartbeat)
	}
	holds := []struct {
		name string
		d    time.Duration
	}{{"lead_hold", c.LeadHold}, {"trip_hold", c.TripHold}}
	for _, h := range holds {
		if h.d < comline.MinHold || h.d > comline.MaxHold {
			bad("%s %v outside [%v, %v]", h.name, h.d, comline.MinHold, comline.MaxHold)
		}
	}
	if c.Interval > 0 && c.Interval <= c.LeadHold+c.TripHold {
		bad("interval %v must exceed the pulse length %v", c.Interval, c.LeadHold+c.TripHold)
	}
	if c.Broker == "" {
		bad("broker is empty")
	}
	if c.Node == "" || strings.ContainsAny(c.Node, "/+#") {
		bad("node %q must be non-empty without / + #", c.Node)
	}
	return errors.Join(errs...)
}

// MasterRole reports whether the configured role is master. Call after
// Validate.
func (c Config) MasterRole() bool {
	r, _ := logic.ParseRole(c.Role)
	return r.IsMaster()
}
