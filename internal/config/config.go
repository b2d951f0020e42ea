// Package config loads meshvmail.toml and resolves it into runtime settings.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/meshvmail/internal/node"
	"github.com/danmuck/meshvmail/internal/protocol/frame"
	"github.com/danmuck/meshvmail/internal/protocol/session"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	LinkMem    = "mem"
	LinkUDP    = "udp"
	LinkSerial = "serial"

	fallbackChunkSize = 180
)

var ErrInvalid = errors.New("config: invalid")

type UDPConfig struct {
	Listen string
	// Peers maps node address to host:port.
	Peers map[string]string
}

type SerialConfig struct {
	Port string
	Baud int
}

type LinkConfig struct {
	Kind   string
	UDP    UDPConfig
	Serial SerialConfig
}

type AdminConfig struct {
	Addr        string
	CORSOrigins []string
	Token       string
	CertFile    string
	KeyFile     string
}

type InboxConfig struct {
	Path string
}

// Config is the resolved node configuration.
type Config struct {
	NodeID       string
	Destination  string
	Voice        bool
	ChunkSizes   map[string]int
	ChunkSizeKey string
	// MaxPayload, when positive, derives the chunk size from the on-air budget.
	MaxPayload int
	Session    session.Config
	Link       LinkConfig
	Admin      AdminConfig
	Inbox      InboxConfig
}

func Default() Config {
	return Config{
		NodeID:      "!00000001",
		Destination: string(transport.Broadcast),
		Voice:       true,
		ChunkSizes: map[string]int{
			"small":  150,
			"medium": 180,
			"large":  200,
		},
		ChunkSizeKey: "medium",
		Session:      session.DefaultConfig(),
		Link: LinkConfig{
			Kind: LinkUDP,
			UDP: UDPConfig{
				Listen: ":4403",
				Peers:  map[string]string{},
			},
			Serial: SerialConfig{
				Port: "/dev/ttyUSB0",
				Baud: 115200,
			},
		},
		Admin: AdminConfig{
			Addr:        "127.0.0.1:8480",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Inbox: InboxConfig{
			Path: "meshvmail-inbox.db",
		},
	}
}

// ChunkSize resolves the raw bytes per chunk: the max_payload budget when set,
// else the selected preset, else the medium preset.
func (c Config) ChunkSize() (int, error) {
	if c.MaxPayload > 0 {
		return frame.RawChunkSize(c.MaxPayload)
	}
	if n, ok := c.ChunkSizes[c.ChunkSizeKey]; ok && n > 0 {
		return n, nil
	}
	if n, ok := c.ChunkSizes[Default().ChunkSizeKey]; ok && n > 0 {
		return n, nil
	}
	return fallbackChunkSize, nil
}

// ToSession returns the protocol settings with the chunk size resolved.
func (c Config) ToSession() (session.Config, error) {
	size, err := c.ChunkSize()
	if err != nil {
		return session.Config{}, err
	}
	out := c.Session
	out.ChunkSize = size
	return out, nil
}

func (c Config) ToNode() (node.Config, error) {
	sess, err := c.ToSession()
	if err != nil {
		return node.Config{}, err
	}
	dst, err := transport.ParseAddress(c.Destination)
	if err != nil {
		return node.Config{}, err
	}
	out := node.DefaultConfig()
	out.Session = sess
	out.Destination = dst
	out.Voice = c.Voice
	return out, nil
}

// LocalAddress parses NodeID.
func (c Config) LocalAddress() (transport.Address, error) {
	addr, err := transport.ParseAddress(c.NodeID)
	if err != nil {
		return "", err
	}
	if addr.IsBroadcast() {
		return "", fmt.Errorf("%w: node_id cannot be broadcast", ErrInvalid)
	}
	return addr, nil
}

// UDPPeers parses the configured peer table.
func (c Config) UDPPeers() (map[transport.Address]string, error) {
	out := make(map[transport.Address]string, len(c.Link.UDP.Peers))
	for raw, hostport := range c.Link.UDP.Peers {
		addr, err := transport.ParseAddress(raw)
		if err != nil || addr.IsBroadcast() {
			return nil, fmt.Errorf("%w: udp peer %q", ErrInvalid, raw)
		}
		if strings.TrimSpace(hostport) == "" {
			return nil, fmt.Errorf("%w: udp peer %q has no address", ErrInvalid, raw)
		}
		out[addr] = strings.TrimSpace(hostport)
	}
	return out, nil
}

func Validate(cfg Config) error {
	if _, err := cfg.LocalAddress(); err != nil {
		return fmt.Errorf("%w: node_id: %v", ErrInvalid, err)
	}
	if _, err := transport.ParseAddress(cfg.Destination); err != nil {
		return fmt.Errorf("%w: destination: %v", ErrInvalid, err)
	}
	if _, ok := cfg.ChunkSizes[cfg.ChunkSizeKey]; !ok && cfg.MaxPayload <= 0 {
		keys := make([]string, 0, len(cfg.ChunkSizes))
		for k := range cfg.ChunkSizes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		size, _ := cfg.ChunkSize()
		log.Warn().
			Str("chunk_size_key", cfg.ChunkSizeKey).
			Strs("known", keys).
			Int("chunk_size", size).
			Msg("config.Validate unknown chunk_size_key, using fallback")
	}
	for k, v := range cfg.ChunkSizes {
		if v <= 0 {
			return fmt.Errorf("%w: chunk_sizes.%s=%d", ErrInvalid, k, v)
		}
	}
	sess, err := cfg.ToSession()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := sess.Validate(); err != nil {
		return err
	}
	switch cfg.Link.Kind {
	case LinkMem:
	case LinkUDP:
		if strings.TrimSpace(cfg.Link.UDP.Listen) == "" {
			return fmt.Errorf("%w: link.udp.listen is required", ErrInvalid)
		}
		if _, err := cfg.UDPPeers(); err != nil {
			return err
		}
	case LinkSerial:
		if strings.TrimSpace(cfg.Link.Serial.Port) == "" || cfg.Link.Serial.Baud <= 0 {
			return fmt.Errorf("%w: link.serial needs port and baud", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown link kind %q", ErrInvalid, cfg.Link.Kind)
	}
	if (cfg.Admin.CertFile == "") != (cfg.Admin.KeyFile == "") {
		return fmt.Errorf("%w: admin cert_file and key_file must be set together", ErrInvalid)
	}
	return nil
}

// Load decodes path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys %v", ErrInvalid, undecoded)
	}

	if meta.IsDefined("node_id") {
		cfg.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("destination") {
		cfg.Destination = strings.TrimSpace(raw.Destination)
	}
	if meta.IsDefined("voice") {
		cfg.Voice = raw.Voice
	}
	if meta.IsDefined("channel") {
		cfg.Session.Channel = raw.Channel
	}
	if meta.IsDefined("chunk_sizes") {
		for k, v := range raw.ChunkSizes {
			cfg.ChunkSizes[strings.TrimSpace(k)] = v
		}
	}
	if meta.IsDefined("chunk_size_key") {
		cfg.ChunkSizeKey = strings.TrimSpace(raw.ChunkSizeKey)
	}
	if meta.IsDefined("max_payload") {
		cfg.MaxPayload = raw.MaxPayload
	}
	if meta.IsDefined("retry_count") {
		cfg.Session.RetryCount = raw.RetryCount
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"ack_timeout", raw.AckTimeout, &cfg.Session.AckTimeout},
		{"receive_timeout", raw.ReceiveTimeout, &cfg.Session.ReceiveTimeout},
		{"tick_interval", raw.TickInterval, &cfg.Session.TickInterval},
		{"sweep_interval", raw.SweepInterval, &cfg.Session.SweepInterval},
		{"inter_chunk_delay", raw.InterChunkDelay, &cfg.Session.InterChunkDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("receive_timeout") && !meta.IsDefined("sweep_interval") {
		cfg.Session.SweepInterval = cfg.Session.ReceiveTimeout / 2
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Session.Backoff.Jitter = raw.Backoff.Jitter
	}
	if meta.IsDefined("backoff", "max_delay") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.MaxDelay))
		if err != nil {
			return Config{}, fmt.Errorf("%w: backoff.max_delay: %v", ErrInvalid, err)
		}
		cfg.Session.Backoff.MaxDelay = v
	}
	if meta.IsDefined("limits", "max_total_chunks") {
		cfg.Session.Limits.MaxTotalChunks = raw.Limits.MaxTotalChunks
	}
	if meta.IsDefined("limits", "max_chunk_bytes") {
		cfg.Session.Limits.MaxChunkBytes = raw.Limits.MaxChunkBytes
	}

	if meta.IsDefined("link", "kind") {
		cfg.Link.Kind = strings.ToLower(strings.TrimSpace(raw.Link.Kind))
	}
	if meta.IsDefined("link", "udp", "listen") {
		cfg.Link.UDP.Listen = strings.TrimSpace(raw.Link.UDP.Listen)
	}
	if meta.IsDefined("link", "udp", "peers") {
		cfg.Link.UDP.Peers = raw.Link.UDP.Peers
	}
	if meta.IsDefined("link", "serial", "port") {
		cfg.Link.Serial.Port = strings.TrimSpace(raw.Link.Serial.Port)
	}
	if meta.IsDefined("link", "serial", "baud") {
		cfg.Link.Serial.Baud = raw.Link.Serial.Baud
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CORSOrigins = raw.Admin.CORSOrigins
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("admin", "cert_file") {
		cfg.Admin.CertFile = strings.TrimSpace(raw.Admin.CertFile)
	}
	if meta.IsDefined("admin", "key_file") {
		cfg.Admin.KeyFile = strings.TrimSpace(raw.Admin.KeyFile)
	}
	if meta.IsDefined("inbox", "path") {
		cfg.Inbox.Path = strings.TrimSpace(raw.Inbox.Path)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
