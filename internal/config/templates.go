package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// meshvmail.toml key mapping. Durations are Go duration strings.
type fileConfig struct {
	NodeID          string         `toml:"node_id"`
	Destination     string         `toml:"destination"`
	Voice           bool           `toml:"voice"`
	Channel         uint32         `toml:"channel"`
	ChunkSizes      map[string]int `toml:"chunk_sizes"`
	ChunkSizeKey    string         `toml:"chunk_size_key"`
	MaxPayload      int            `toml:"max_payload,omitempty"`
	RetryCount      int            `toml:"retry_count"`
	AckTimeout      string         `toml:"ack_timeout"`
	ReceiveTimeout  string         `toml:"receive_timeout"`
	TickInterval    string         `toml:"tick_interval"`
	SweepInterval   string         `toml:"sweep_interval"`
	InterChunkDelay string         `toml:"inter_chunk_delay"`
	Backoff         backoffFile    `toml:"backoff"`
	Limits          limitsFile     `toml:"limits"`
	Link            linkFile       `toml:"link"`
	Admin           adminFile      `toml:"admin"`
	Inbox           inboxFile      `toml:"inbox"`
}

type backoffFile struct {
	Multiplier float64 `toml:"multiplier"`
	MaxDelay   string  `toml:"max_delay,omitempty"`
	Jitter     bool    `toml:"jitter"`
}

type limitsFile struct {
	MaxTotalChunks int `toml:"max_total_chunks"`
	MaxChunkBytes  int `toml:"max_chunk_bytes"`
}

type linkFile struct {
	Kind   string     `toml:"kind"`
	UDP    udpFile    `toml:"udp"`
	Serial serialFile `toml:"serial"`
}

type udpFile struct {
	Listen string            `toml:"listen"`
	Peers  map[string]string `toml:"peers"`
}

type serialFile struct {
	Port string `toml:"port"`
	Baud int    `toml:"baud"`
}

type adminFile struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token,omitempty"`
	CertFile    string   `toml:"cert_file,omitempty"`
	KeyFile     string   `toml:"key_file,omitempty"`
}

type inboxFile struct {
	Path string `toml:"path"`
}

func toFile(c Config) fileConfig {
	s := c.Session
	out := fileConfig{
		NodeID:          c.NodeID,
		Destination:     c.Destination,
		Voice:           c.Voice,
		Channel:         s.Channel,
		ChunkSizes:      c.ChunkSizes,
		ChunkSizeKey:    c.ChunkSizeKey,
		MaxPayload:      c.MaxPayload,
		RetryCount:      s.RetryCount,
		AckTimeout:      s.AckTimeout.String(),
		ReceiveTimeout:  s.ReceiveTimeout.String(),
		TickInterval:    s.TickInterval.String(),
		SweepInterval:   s.SweepInterval.String(),
		InterChunkDelay: s.InterChunkDelay.String(),
		Backoff: backoffFile{
			Multiplier: s.Backoff.Multiplier,
			Jitter:     s.Backoff.Jitter,
		},
		Limits: limitsFile{
			MaxTotalChunks: s.Limits.MaxTotalChunks,
			MaxChunkBytes:  s.Limits.MaxChunkBytes,
		},
		Link: linkFile{
			Kind:   c.Link.Kind,
			UDP:    udpFile{Listen: c.Link.UDP.Listen, Peers: c.Link.UDP.Peers},
			Serial: serialFile{Port: c.Link.Serial.Port, Baud: c.Link.Serial.Baud},
		},
		Admin: adminFile{
			Addr:        c.Admin.Addr,
			CORSOrigins: c.Admin.CORSOrigins,
			Token:       c.Admin.Token,
			CertFile:    c.Admin.CertFile,
			KeyFile:     c.Admin.KeyFile,
		},
		Inbox: inboxFile{Path: c.Inbox.Path},
	}
	if s.Backoff.MaxDelay > 0 {
		out.Backoff.MaxDelay = s.Backoff.MaxDelay.String()
	}
	return out
}

// Template renders cfg as meshvmail.toml.
func Template(cfg Config) ([]byte, error) {
	out, err := toml.Marshal(toFile(cfg))
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return out, nil
}

// WriteTemplate writes the default configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	data, err := Template(Default())
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
