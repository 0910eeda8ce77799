// Package config loads bootstrap configuration for the two processes this
// module ships: nodeagent (one cluster node) and coordctl (the operator
// CLI). It follows the same YAML-with-environment-override idiom the rest
// of the pack's services use: a struct tagged for gopkg.in/yaml.v3, a Load
// that reads a file and then lets environment variables override anything,
// and a Validate that rejects an unusable configuration before the process
// touches disk or the network.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a nodeagent's (or coordctl's) full bootstrap configuration.
type Config struct {
	Node struct {
		ID          string `yaml:"id"`
		ClusterName string `yaml:"cluster_name"`
		ListenAddr  string `yaml:"listen_addr"`
	} `yaml:"node"`

	Store struct {
		// Driver selects the changelog.Store backend: "bolt" (default,
		// durable) or "file" (simple append-only journal).
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		// StatePath is the sidecar file nodestate.Machine uses to persist
		// its counters/current-config snapshot alongside the journal.
		StatePath string `yaml:"state_path"`
	} `yaml:"store"`

	// Replication configures this node's participation in its stripe's
	// raft-backed mirror group (protocol §3 "server mode", component C8).
	// Mode "off" (default) runs with no Replicator attached; "active" runs
	// as the stripe's ACTIVE_COORDINATOR; "passive" runs as a mirror.
	Replication struct {
		Mode          string            `yaml:"mode"`
		RaftAddr      string            `yaml:"raft_addr"`
		RaftDir       string            `yaml:"raft_dir"`
		Peers         map[string]string `yaml:"peers"`
		BootstrapLead bool              `yaml:"bootstrap_preferred"`
		JoinOnly      bool              `yaml:"join_only"`

		TLSEnable     bool   `yaml:"tls_enable"`
		TLSCertFile   string `yaml:"tls_cert_file"`
		TLSKeyFile    string `yaml:"tls_key_file"`
		TLSCAFile     string `yaml:"tls_ca_file"`
		TLSServerName string `yaml:"tls_server_name"`
	} `yaml:"replication"`

	Security struct {
		// BearerSecret is shared out of band between a coordinator process
		// and every node it is authorized to drive (internal/security).
		BearerSecret string        `yaml:"bearer_secret"`
		TokenTTL     time.Duration `yaml:"token_ttl"`
	} `yaml:"security"`

	Audit struct {
		Sink string `yaml:"sink"` // stdout | file | syslog
		Path string `yaml:"path"`
	} `yaml:"audit"`

	Rate struct {
		Enabled     bool   `yaml:"enabled"`
		Window      string `yaml:"window"`
		MaxRequests int    `yaml:"max_requests"`
		RedisAddr   string `yaml:"redis_addr"`
		RedisDB     int    `yaml:"redis_db"`
		Prefix      string `yaml:"prefix"`
	} `yaml:"rate"`

	Server struct {
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"` // debug | info | warn | error
	} `yaml:"log"`

	// Coordinator is only read by coordctl: the set of node base URLs it
	// drives a session against, and the host/user it stamps on its requests.
	// The bearer token it authenticates with is not configured here.
	Coordinator struct {
		Targets []string `yaml:"targets"`
		Host    string   `yaml:"host"`
		User    string   `yaml:"user"`
	} `yaml:"coordinator"`
}

// Load reads path as YAML, then applies any matching environment overrides.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	applyDefaults(&c)
	applyEnvOverrides(&c)
	return &c, nil
}

// LoadEnvOnly builds a Config purely from environment variables and
// defaults, for deployments that don't want a YAML file on disk.
func LoadEnvOnly() *Config {
	var c Config
	applyDefaults(&c)
	applyEnvOverrides(&c)
	return &c
}

func applyDefaults(c *Config) {
	if c.Node.ClusterName == "" {
		c.Node.ClusterName = "default"
	}
	if c.Node.ListenAddr == "" {
		c.Node.ListenAddr = ":8080"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "bolt"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/changelog.db"
	}
	if c.Store.StatePath == "" {
		c.Store.StatePath = "./data/nodestate.json"
	}
	if c.Replication.Mode == "" {
		c.Replication.Mode = "off"
	}
	if c.Replication.RaftDir == "" {
		c.Replication.RaftDir = "./data/raft"
	}
	if c.Security.TokenTTL == 0 {
		c.Security.TokenTTL = 5 * time.Minute
	}
	if c.Audit.Sink == "" {
		c.Audit.Sink = "stdout"
	}
	if c.Rate.Window == "" {
		c.Rate.Window = "1m"
	}
	if c.Rate.MaxRequests == 0 {
		c.Rate.MaxRequests = 120
	}
	if c.Rate.Prefix == "" {
		c.Rate.Prefix = "configchange:rl:"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func applyEnvOverrides(c *Config) {
	if v, ok := getEnvStr("NODE_ID"); ok {
		c.Node.ID = v
	}
	if v, ok := getEnvStr("CLUSTER_NAME"); ok {
		c.Node.ClusterName = v
	}
	if v, ok := getEnvStr("NODE_LISTEN_ADDR"); ok {
		c.Node.ListenAddr = v
	}
	if v, ok := getEnvStr("STORE_DRIVER"); ok {
		c.Store.Driver = v
	}
	if v, ok := getEnvStr("STORE_PATH"); ok {
		c.Store.Path = v
	}
	if v, ok := getEnvStr("STORE_STATE_PATH"); ok {
		c.Store.StatePath = v
	}

	if v, ok := getEnvStr("REPLICATION_MODE"); ok {
		c.Replication.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := getEnvStr("RAFT_ADDR"); ok {
		c.Replication.RaftAddr = v
	}
	if v, ok := getEnvStr("RAFT_DIR"); ok {
		c.Replication.RaftDir = v
	}
	if m, ok := getEnvKVList("RAFT_PEERS", ";"); ok {
		if c.Replication.Peers == nil {
			c.Replication.Peers = map[string]string{}
		}
		for k, v := range m {
			c.Replication.Peers[k] = v
		}
	}
	if v, ok := getEnvBool("RAFT_BOOTSTRAP_PREFERRED"); ok {
		c.Replication.BootstrapLead = v
	}
	if v, ok := getEnvBool("RAFT_JOIN_ONLY"); ok {
		c.Replication.JoinOnly = v
	}
	if v, ok := getEnvBool("RAFT_TLS_ENABLE"); ok {
		c.Replication.TLSEnable = v
	}
	if v, ok := getEnvStr("RAFT_TLS_CERT_FILE"); ok {
		c.Replication.TLSCertFile = v
	}
	if v, ok := getEnvStr("RAFT_TLS_KEY_FILE"); ok {
		c.Replication.TLSKeyFile = v
	}
	if v, ok := getEnvStr("RAFT_TLS_CA_FILE"); ok {
		c.Replication.TLSCAFile = v
	}
	if v, ok := getEnvStr("RAFT_TLS_SERVER_NAME"); ok {
		c.Replication.TLSServerName = v
	}

	if v, ok := getEnvStr("BEARER_SECRET"); ok {
		c.Security.BearerSecret = v
	}
	if v, ok := getEnvDur("BEARER_TOKEN_TTL"); ok {
		c.Security.TokenTTL = v
	}

	if v, ok := getEnvStr("AUDIT_SINK"); ok {
		c.Audit.Sink = v
	}
	if v, ok := getEnvStr("AUDIT_PATH"); ok {
		c.Audit.Path = v
	}

	if v, ok := getEnvBool("RATE_ENABLED"); ok {
		c.Rate.Enabled = v
	}
	if v, ok := getEnvStr("RATE_WINDOW"); ok {
		c.Rate.Window = v
	}
	if v, ok := getEnvInt("RATE_MAX_REQUESTS"); ok {
		c.Rate.MaxRequests = v
	}
	if v, ok := getEnvStr("RATE_REDIS_ADDR"); ok {
		c.Rate.RedisAddr = v
	}
	if v, ok := getEnvInt("RATE_REDIS_DB"); ok {
		c.Rate.RedisDB = v
	}
	if v, ok := getEnvStr("RATE_PREFIX"); ok {
		c.Rate.Prefix = v
	}

	if v, ok := getEnvCSV("SERVER_CORS_ALLOWED_ORIGINS"); ok {
		c.Server.CORSAllowedOrigins = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	if v, ok := getEnvCSV("COORDINATOR_TARGETS"); ok {
		c.Coordinator.Targets = v
	}
	if v, ok := getEnvStr("COORDINATOR_HOST"); ok {
		c.Coordinator.Host = v
	}
	if v, ok := getEnvStr("COORDINATOR_USER"); ok {
		c.Coordinator.User = v
	}
}

// Validate rejects configuration that would leave a node or coordinator
// unable to start safely.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if c.Store.Driver != "bolt" && c.Store.Driver != "file" {
		return fmt.Errorf("config: store.driver must be bolt or file, got %q", c.Store.Driver)
	}
	switch c.Replication.Mode {
	case "off", "active", "passive":
	default:
		return fmt.Errorf("config: replication.mode must be off, active or passive, got %q", c.Replication.Mode)
	}
	if c.Replication.Mode != "off" {
		if c.Replication.RaftAddr == "" {
			return fmt.Errorf("config: replication.raft_addr is required when replication.mode != off")
		}
	}
	if strings.TrimSpace(c.Security.BearerSecret) == "" {
		return fmt.Errorf("config: security.bearer_secret is required")
	}
	return nil
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		if strings.TrimSpace(s) == "" {
			return []string{}, true
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

func getEnvKVList(key, sep string) (map[string]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]string{}, true
	}
	items := strings.Split(s, sep)
	out := make(map[string]string, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if i := strings.IndexRune(it, '='); i > 0 {
			k := strings.TrimSpace(it[:i])
			v := strings.TrimSpace(it[i+1:])
			if k != "" && v != "" {
				out[k] = v
			}
		}
	}
	return out, true
}
