package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/meshvmail/internal/protocol/session"
	"github.com/danmuck/meshvmail/internal/testutil/testlog"
	"github.com/danmuck/meshvmail/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshvmail.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// Template output loads back to the defaults.
func TestTemplateRoundTrip(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "meshvmail.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.Session.AckTimeout != def.Session.AckTimeout || cfg.Session.RetryCount != 3 || cfg.Session.Channel != 256 {
		t.Fatalf("unexpected session %+v", cfg.Session)
	}
	if cfg.ChunkSizes["large"] != 200 || cfg.Link.Kind != LinkUDP {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
node_id = "!DEADBEEF"
chunk_size_key = "large"
retry_count = 5
ack_timeout = "2s"
receive_timeout = "20s"

[link]
kind = "udp"

[link.udp]
listen = "127.0.0.1:4403"

[link.udp.peers]
"!00000002" = "10.0.0.2:4403"

[admin]
token = "s3cret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "!DEADBEEF" || cfg.Admin.Token != "s3cret" {
		t.Fatalf("unexpected identity %+v", cfg)
	}
	if cfg.Session.RetryCount != 5 || cfg.Session.AckTimeout != 2*time.Second {
		t.Fatalf("unexpected session %+v", cfg.Session)
	}
	if cfg.Session.SweepInterval != 10*time.Second {
		t.Fatalf("sweep should follow receive timeout, got %v", cfg.Session.SweepInterval)
	}
	if cfg.Session.InterChunkDelay != time.Second {
		t.Fatalf("undefined key should keep default, got %v", cfg.Session.InterChunkDelay)
	}
	sess, err := cfg.ToSession()
	if err != nil || sess.ChunkSize != 200 {
		t.Fatalf("chunk size=%d err=%v", sess.ChunkSize, err)
	}
	local, err := cfg.LocalAddress()
	if err != nil || local != transport.NodeAddress(0xdeadbeef) {
		t.Fatalf("local=%s err=%v", local, err)
	}
	peers, err := cfg.UDPPeers()
	if err != nil || peers[transport.NodeAddress(2)] != "10.0.0.2:4403" {
		t.Fatalf("peers=%v err=%v", peers, err)
	}
	nc, err := cfg.ToNode()
	if err != nil || nc.Destination != transport.Broadcast || !nc.Voice {
		t.Fatalf("node config=%+v err=%v", nc, err)
	}
}

func TestMaxPayloadDerivesChunkSize(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.MaxPayload = 230
	size, err := cfg.ChunkSize()
	if err != nil || size != 58 {
		t.Fatalf("size=%d err=%v", size, err)
	}
	cfg.MaxPayload = 155
	if _, err := cfg.ChunkSize(); err == nil {
		t.Fatalf("expected budget error")
	}
}

func TestUnknownChunkSizeKeyFallsBack(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, `chunk_size_key = "huge"`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if size, err := cfg.ChunkSize(); err != nil || size != 180 {
		t.Fatalf("default preset fallback size=%d err=%v", size, err)
	}

	cfg.ChunkSizes = map[string]int{"tiny": 40}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	sess, err := cfg.ToSession()
	if err != nil || sess.ChunkSize != 180 {
		t.Fatalf("fixed fallback size=%d err=%v", sess.ChunkSize, err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad duration":  `ack_timeout = "soon"`,
		"zero retries":  `retry_count = 0`,
		"unknown link":  "[link]\nkind = \"carrier-pigeon\"",
		"bad node id":   `node_id = "node-1"`,
		"unknown key":   `chunk_size = 100`,
		"half tls pair": "[admin]\ncert_file = \"a.crt\"",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			if err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	_, err := Load(writeConfig(t, `retry_count = 0`))
	if !errors.Is(err, session.ErrInvalidConfig) {
		t.Fatalf("unexpected error type %v", err)
	}
}
