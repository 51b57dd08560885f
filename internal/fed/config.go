package fed

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/engine"
)

// Mode selects the coordination strategy.
type Mode string

const (
	// ModeCentralized: the relay grants every tag advance.
	ModeCentralized Mode = "centralized"

	// ModeDecentralized: federates advance on safe-to-process offsets;
	// the relay only forwards traffic and negotiates start and stop.
	ModeDecentralized Mode = "decentralized"
)

// ClockSyncMode selects how much clock synchronization runs.
type ClockSyncMode string

const (
	// ClockSyncOff: no synchronization; clocks are trusted as-is.
	ClockSyncOff ClockSyncMode = "off"

	// ClockSyncInitial: offset estimation rounds during the join
	// handshake only.
	ClockSyncInitial ClockSyncMode = "initial"

	// ClockSyncRuntime: initial rounds plus periodic UDP rounds while
	// the federation runs.
	ClockSyncRuntime ClockSyncMode = "runtime"
)

// Span is a duration in YAML, written the way Go writes durations
// ("10ms", "1.5s").
type Span time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Span) UnmarshalYAML(node *yaml.Node) error {
	d, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*s = Span(d)
	return nil
}

// Duration converts to time.Duration.
func (s Span) Duration() time.Duration { return time.Duration(s) }

// Config is a parsed federation topology. The same file drives the
// relay and every federate, so numbering derived from it (federate
// ids, wire channels) agrees on both ends of each link by
// construction.
type Config struct {
	// Federation identifies the federation; joins with a different
	// identifier are rejected. When unset, an identifier is derived
	// from the file content, so a relay and a federate reading
	// different revisions of the topology reject each other at join.
	Federation string `yaml:"federation"`

	Mode  Mode          `yaml:"mode"`
	Relay RelayEndpoint `yaml:"relay"`

	ClockSync ClockSyncConfig `yaml:"clock_sync"`

	Federates []FederateDef `yaml:"federates"`
	Links     []Link        `yaml:"links"`
}

// RelayEndpoint locates the relay.
type RelayEndpoint struct {
	Host string `yaml:"host"`
	// Port 0 means the relay scans for a free port from the protocol's
	// starting port; federates then need an explicit port, so leaving
	// it unset is only useful for a relay run standalone.
	Port int `yaml:"port"`
}

// ClockSyncConfig tunes offset estimation.
type ClockSyncConfig struct {
	Mode ClockSyncMode `yaml:"mode"`

	// Trials is the number of exchanges averaged during the initial
	// phase.
	Trials int `yaml:"trials"`

	// Period separates runtime rounds.
	Period Span `yaml:"period"`

	// Attenuation divides each runtime error estimate before it is
	// applied, damping oscillation.
	Attenuation int `yaml:"attenuation"`

	// Guard discards a round whose estimated network delay exceeds it;
	// such a round's symmetry assumption is not trustworthy.
	Guard Span `yaml:"guard"`
}

// FederateDef declares one federate. Its id is its position in the
// topology's federate list.
type FederateDef struct {
	Name string `yaml:"name"`

	// Program is the reactor program the federate runs, relative to
	// the topology file.
	Program string `yaml:"program"`
}

// Link connects an output port of one federate to an input port of
// another. Endpoints are written "federate/port.path", the port path
// addressing a channel in that federate's own program
// ("main.recv.in", "main.recv.in[2]" for a multiport channel).
type Link struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// After is the connection delay. Absent means the receiver sees
	// the sender's exact tag; 0 advances the microstep; a positive
	// delay moves time forward and resets the microstep.
	After *Span `yaml:"after"`

	// STP is the safe-to-process offset for decentralized
	// coordination: how far past a tag's time the receiver waits on
	// its physical clock before treating the port as absent.
	STP Span `yaml:"stp"`

	// Resolved by Load.
	fromFed  int
	fromPort string
	toFed    int
	toPort   string
	channel  int
}

// afterNone encodes an absent after clause in delay arithmetic. The
// ordering afterNone < 0 < d matches how tightly each couples the two
// ends.
const afterNone int64 = -1

// delay returns the link's delay in the internal encoding.
func (l *Link) delay() int64 {
	if l.After == nil {
		return afterNone
	}
	return int64(l.After.Duration())
}

// applyAfter shifts a tag across a connection delay. Sentinel tags
// pass through unchanged so grant arithmetic cannot overflow them.
func applyAfter(t engine.Tag, d int64) engine.Tag {
	if d == afterNone || t.Time == engine.NeverTag.Time || t.Time == engine.ForeverTag.Time {
		return t
	}
	return t.Delay(time.Duration(d))
}

// upstreamRef is one upstream federate with the minimum delay over
// every link it has into the referencing federate.
type upstreamRef struct {
	id    int
	delay int64
}

// Load reads and validates a topology file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	return Parse(raw)
}

// Parse validates a topology document.
func Parse(raw []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if err := c.normalize(raw); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) normalize(raw []byte) error {
	switch c.Mode {
	case "":
		c.Mode = ModeCentralized
	case ModeCentralized, ModeDecentralized:
	default:
		return &ConfigError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", c.Mode)}
	}

	if c.Federation == "" {
		c.Federation = uuid.NewSHA1(uuid.NameSpaceOID, raw).String()
	}
	if c.Relay.Host == "" {
		c.Relay.Host = "localhost"
	}
	if c.Relay.Port < 0 || c.Relay.Port > 0xFFFF {
		return &ConfigError{Field: "relay.port", Message: fmt.Sprintf("port %d out of range", c.Relay.Port)}
	}

	switch c.ClockSync.Mode {
	case "":
		c.ClockSync.Mode = ClockSyncOff
	case ClockSyncOff, ClockSyncInitial, ClockSyncRuntime:
	default:
		return &ConfigError{Field: "clock_sync.mode", Message: fmt.Sprintf("unknown mode %q", c.ClockSync.Mode)}
	}
	if c.ClockSync.Trials <= 0 {
		c.ClockSync.Trials = 10
	}
	if c.ClockSync.Period <= 0 {
		c.ClockSync.Period = Span(10 * time.Millisecond)
	}
	if c.ClockSync.Attenuation <= 0 {
		c.ClockSync.Attenuation = 10
	}
	if c.ClockSync.Guard <= 0 {
		c.ClockSync.Guard = Span(10 * time.Millisecond)
	}

	if len(c.Federates) == 0 {
		return &ConfigError{Field: "federates", Message: "at least one federate required"}
	}
	if len(c.Federates) > 0xFFFF {
		return &ConfigError{Field: "federates", Message: "too many federates"}
	}
	names := make(map[string]int, len(c.Federates))
	for i, f := range c.Federates {
		field := fmt.Sprintf("federates[%d]", i)
		if f.Name == "" {
			return &ConfigError{Field: field + ".name", Message: "name required"}
		}
		if strings.ContainsAny(f.Name, "/ ") {
			return &ConfigError{Field: field + ".name", Message: fmt.Sprintf("name %q may not contain '/' or spaces", f.Name)}
		}
		if prev, dup := names[f.Name]; dup {
			return &ConfigError{Field: field + ".name", Message: fmt.Sprintf("name %q already used by federates[%d]", f.Name, prev)}
		}
		names[f.Name] = i
	}

	channels := make([]int, len(c.Federates))
	for i := range c.Links {
		l := &c.Links[i]
		field := fmt.Sprintf("links[%d]", i)

		var err error
		if l.fromFed, l.fromPort, err = splitEndpoint(l.From, names); err != nil {
			return &ConfigError{Field: field + ".from", Message: err.Error()}
		}
		if l.toFed, l.toPort, err = splitEndpoint(l.To, names); err != nil {
			return &ConfigError{Field: field + ".to", Message: err.Error()}
		}
		if l.fromFed == l.toFed {
			return &ConfigError{Field: field, Message: "link endpoints are in the same federate; use a regular connection"}
		}
		if l.After != nil && l.After.Duration() < 0 {
			return &ConfigError{Field: field + ".after", Message: "negative delay"}
		}
		if l.STP < 0 {
			return &ConfigError{Field: field + ".stp", Message: "negative offset"}
		}

		l.channel = channels[l.toFed]
		channels[l.toFed]++
	}

	return nil
}

// splitEndpoint parses "federate/port.path".
func splitEndpoint(s string, names map[string]int) (int, string, error) {
	fed, port, ok := strings.Cut(s, "/")
	if !ok || fed == "" || port == "" {
		return 0, "", fmt.Errorf("endpoint %q must be \"federate/port.path\"", s)
	}
	id, ok := names[fed]
	if !ok {
		return 0, "", fmt.Errorf("unknown federate %q", fed)
	}
	return id, port, nil
}

// FederateID resolves a federate name to its id.
func (c *Config) FederateID(name string) (int, bool) {
	for i, f := range c.Federates {
		if f.Name == name {
			return i, true
		}
	}
	return 0, false
}

// inbound lists links into fed, in channel order.
func (c *Config) inbound(fed int) []*Link {
	var out []*Link
	for i := range c.Links {
		if c.Links[i].toFed == fed {
			out = append(out, &c.Links[i])
		}
	}
	return out
}

// outbound lists links out of fed.
func (c *Config) outbound(fed int) []*Link {
	var out []*Link
	for i := range c.Links {
		if c.Links[i].fromFed == fed {
			out = append(out, &c.Links[i])
		}
	}
	return out
}

// upstreamOf lists the federates with links into fed, each with the
// minimum delay over those links.
func (c *Config) upstreamOf(fed int) []upstreamRef {
	min := make(map[int]int64)
	for i := range c.Links {
		l := &c.Links[i]
		if l.toFed != fed {
			continue
		}
		d := l.delay()
		if prev, ok := min[l.fromFed]; !ok || lessDelay(d, prev) {
			min[l.fromFed] = d
		}
	}
	out := make([]upstreamRef, 0, len(min))
	for id, d := range min {
		out = append(out, upstreamRef{id: id, delay: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// downstreamOf lists the federates fed has links into.
func (c *Config) downstreamOf(fed int) []int {
	seen := make(map[int]bool)
	var out []int
	for i := range c.Links {
		l := &c.Links[i]
		if l.fromFed == fed && !seen[l.toFed] {
			seen[l.toFed] = true
			out = append(out, l.toFed)
		}
	}
	sort.Ints(out)
	return out
}

// lessDelay orders connection delays by coupling tightness: no-delay
// links bind tighter than microstep delays, which bind tighter than
// any time delay.
func lessDelay(a, b int64) bool {
	return a < b
}
