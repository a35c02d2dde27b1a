package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/morezero/api-gateway/pkg/topology"
)

const mainTestPrefix = "cmd/gateway:main_test"

func TestUsage_ContainsCommands(t *testing.T) {
	required := []string{"serve", "migrate", "clear", "ensure-db", "topology", "DATABASE_URL", "COMMS_URL"}
	for _, word := range required {
		if !strings.Contains(usage, word) {
			t.Errorf("%s - usage should contain %q", mainTestPrefix, word)
		}
	}
}

func TestWithDatabaseName(t *testing.T) {
	got, err := withDatabaseName("postgres://u:p@db:5432/gateway?sslmode=disable", "gateway_test")
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", mainTestPrefix, err)
	}
	if got != "postgres://u:p@db:5432/gateway_test?sslmode=disable" {
		t.Errorf("%s - withDatabaseName = %q", mainTestPrefix, got)
	}
	if _, err := withDatabaseName("://bad", "x"); err == nil {
		t.Errorf("%s - expected parse error", mainTestPrefix)
	}
}

func TestRenderTopology_Table(t *testing.T) {
	reg := topology.NewRegistry(topology.GetDefaultConfig(), "nats://127.0.0.1:4222", 10*time.Second)
	var buf bytes.Buffer
	if err := renderTopology(&buf, reg, "table"); err != nil {
		t.Fatalf("%s - renderTopology: %v", mainTestPrefix, err)
	}
	out := buf.String()
	for _, want := range []string{"DOMAIN", "auth_exchange", "team_exchange", "topic", "10s", "tagged"} {
		if !strings.Contains(out, want) {
			t.Errorf("%s - table missing %q:\n%s", mainTestPrefix, want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines != len(reg.Domains())+1 {
		t.Errorf("%s - table has %d lines, want %d", mainTestPrefix, lines, len(reg.Domains())+1)
	}
}

func TestRenderTopology_YAML(t *testing.T) {
	reg := topology.NewRegistry(topology.GetDefaultConfig(), "nats://127.0.0.1:4222", 0)
	var buf bytes.Buffer
	if err := renderTopology(&buf, reg, "yaml"); err != nil {
		t.Fatalf("%s - renderTopology: %v", mainTestPrefix, err)
	}
	var doc struct {
		Name      string        `yaml:"name"`
		Exchanges []topologyRow `yaml:"exchanges"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("%s - output is not YAML: %v", mainTestPrefix, err)
	}
	if doc.Name != "api-gateway-topology" || len(doc.Exchanges) != len(reg.Domains()) {
		t.Errorf("%s - doc = %+v", mainTestPrefix, doc)
	}
}

func TestRenderTopology_UnknownFormat(t *testing.T) {
	reg := topology.NewRegistry(topology.GetDefaultConfig(), "", 0)
	if err := renderTopology(&bytes.Buffer{}, reg, "xml"); err == nil {
		t.Errorf("%s - expected error for unknown format", mainTestPrefix)
	}
}
