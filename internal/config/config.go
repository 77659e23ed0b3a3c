// Package config loads a participant's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

const (
	TransportHTTP = "http"
	TransportRPC  = "rpc"

	StorageWAL    = "wal"
	StorageMemory = "memory"
)

type Participant struct {
	ID types.ParticipantID `yaml:"id"`
	// Address is the HTTP base URL, e.g. http://127.0.0.1:8081.
	Address string `yaml:"address"`
	// RPCAddress is host:port of the rpcx listener, used with transport rpc.
	RPCAddress string `yaml:"rpc_address"`

	// Optional local settings. When empty they come from the top-level
	// fields, then from the id and the addresses above.
	Dir       string `yaml:"dir"`
	Listen    string `yaml:"listen"`
	RPCListen string `yaml:"rpc_listen"`
}

type Config struct {
	ID     types.ParticipantID `yaml:"id"`
	Dir    string              `yaml:"dir"`
	Listen string              `yaml:"listen"`

	Transport string `yaml:"transport"`
	RPCListen string `yaml:"rpc_listen"`
	Storage   string `yaml:"storage"`

	// Leader and Term fix who leads; there is no election.
	Leader types.ParticipantID `yaml:"leader"`
	Term   types.LogTerm       `yaml:"term"`

	WaitForSync       *bool         `yaml:"wait_for_sync"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxBatch          int           `yaml:"max_batch"`
	CacheBytes        int           `yaml:"cache_bytes"`
	LogLevel          string        `yaml:"log_level"`

	Participants []Participant `yaml:"participants"`
}

// ReadConfig parses file without applying defaults.
func ReadConfig(file string) (*Config, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	return &c, nil
}

// Load reads file, optionally overrides the participant id, applies defaults
// and validates the result.
func Load(file string, id types.ParticipantID) (*Config, error) {
	c, err := ReadConfig(file)
	if err != nil {
		return nil, err
	}
	if id != "" {
		c.ID = id
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyDefaults fills zero values. Dir, Listen and RPCListen are resolved for
// c.ID, so one file can be shared by every participant.
func (c *Config) ApplyDefaults() {
	self, _ := c.Participant(c.ID)
	c.Dir = firstNonEmpty(self.Dir, c.Dir, "data/"+string(c.ID))
	c.Listen = firstNonEmpty(self.Listen, c.Listen, listenFromURL(self.Address), ":8080")
	c.RPCListen = firstNonEmpty(self.RPCListen, c.RPCListen, listenFromHostPort(self.RPCAddress))
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	if c.Storage == "" {
		c.Storage = StorageWAL
	}
	if c.WaitForSync == nil {
		wait := true
		c.WaitForSync = &wait
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 10 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 500 * time.Millisecond
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 64
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// listenFromURL turns http://host:8081 into :8081.
func listenFromURL(addr string) string {
	u, err := url.Parse(addr)
	if err != nil || u.Port() == "" {
		return ""
	}
	return ":" + u.Port()
}

// listenFromHostPort turns host:9081 into :9081.
func listenFromHostPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return ""
	}
	return ":" + port
}

// Validate reports the first problem found.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Leader == "" {
		return errors.New("leader is required")
	}
	if c.Term == 0 {
		return errors.New("term must be positive")
	}
	switch c.Transport {
	case TransportHTTP, TransportRPC:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Storage {
	case StorageWAL, StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.MaxBatch < 0 {
		return fmt.Errorf("max_batch must not be negative, got %d", c.MaxBatch)
	}
	if c.SyncInterval < 0 || c.HeartbeatInterval < 0 || c.RequestTimeout < 0 {
		return errors.New("intervals must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	seen := make(map[types.ParticipantID]bool, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID == "" {
			return errors.New("participant without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("participant %s listed twice", p.ID)
		}
		seen[p.ID] = true
		if c.Transport == TransportRPC && p.ID != c.Leader && p.RPCAddress == "" {
			return fmt.Errorf("participant %s needs rpc_address", p.ID)
		}
		if c.Transport == TransportHTTP && p.Address == "" {
			return fmt.Errorf("participant %s needs address", p.ID)
		}
	}
	if !seen[c.ID] {
		return fmt.Errorf("participant %s is not listed", c.ID)
	}
	if !seen[c.Leader] {
		return fmt.Errorf("leader %s is not listed", c.Leader)
	}
	if c.Transport == TransportRPC && c.ID != c.Leader && c.RPCListen == "" {
		return errors.New("rpc_listen is required for followers with transport rpc")
	}
	return nil
}

// IsLeader reports whether this participant is the configured leader.
func (c *Config) IsLeader() bool { return c.ID == c.Leader }

// Followers lists every participant except the leader.
func (c *Config) Followers() []types.ParticipantID {
	var out []types.ParticipantID
	for _, p := range c.Participants {
		if p.ID != c.Leader {
			out = append(out, p.ID)
		}
	}
	return out
}

// Participant returns the entry for id.
func (c *Config) Participant(id types.ParticipantID) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Peers maps every participant to the address used by the configured transport.
func (c *Config) Peers() map[types.ParticipantID]string {
	peers := make(map[types.ParticipantID]string, len(c.Participants))
	for _, p := range c.Participants {
		if c.Transport == TransportRPC {
			peers[p.ID] = p.RPCAddress
		} else {
			peers[p.ID] = p.Address
		}
	}
	return peers
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}
