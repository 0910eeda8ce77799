package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("node:\n  id: n1\nsecurity:\n  bearer_secret: s3cr3t\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Node.ClusterName != "default" {
		t.Errorf("expected default cluster name, got %q", c.Node.ClusterName)
	}
	if c.Store.Driver != "bolt" {
		t.Errorf("expected default store driver bolt, got %q", c.Store.Driver)
	}
	if c.Replication.Mode != "off" {
		t.Errorf("expected default replication mode off, got %q", c.Replication.Mode)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_RejectsMissingNodeID(t *testing.T) {
	c := LoadEnvOnly()
	c.Security.BearerSecret = "s3cr3t"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing node.id")
	}
}

func TestValidate_RejectsMissingBearerSecret(t *testing.T) {
	c := LoadEnvOnly()
	c.Node.ID = "n1"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing security.bearer_secret")
	}
}

func TestValidate_RequiresRaftAddrWhenReplicating(t *testing.T) {
	c := LoadEnvOnly()
	c.Node.ID = "n1"
	c.Security.BearerSecret = "s3cr3t"
	c.Replication.Mode = "active"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing replication.raft_addr")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("NODE_ID", "n-env")
	t.Setenv("RATE_MAX_REQUESTS", "42")
	c := LoadEnvOnly()
	if c.Node.ID != "n-env" {
		t.Errorf("expected env override of node id, got %q", c.Node.ID)
	}
	if c.Rate.MaxRequests != 42 {
		t.Errorf("expected env override of rate max requests, got %d", c.Rate.MaxRequests)
	}
}
