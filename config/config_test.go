package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expect default config to be valid, got %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	c, err := fromLookup(env(map[string]string{
		"MQRPC_AMQP_URL":       "amqp://u:p@bus:5672/",
		"MQRPC_REQUEST_QUEUE":  "files",
		"MQRPC_ETCD_ENDPOINTS": "etcd1:2379, etcd2:2379,",
		"MQRPC_CALL_TIMEOUT":   "5s",
		"MQRPC_CHUNK_SIZE":     "65536",
		"MQRPC_COMPRESSION":    "zstd",
		"MQRPC_RATE_LIMIT":     "12.5",
		"MQRPC_LOG_LEVEL":      "debug",
		"MQRPC_RETRIES":        "3",
		"MQRPC_RETRY_DELAY":    "250ms",
	}))
	if err != nil {
		t.Fatal(err)
	}

	if c.AMQPURL != "amqp://u:p@bus:5672/" || c.RequestQueue != "files" {
		t.Fatalf("unexpected bus settings %+v", c)
	}
	if want := []string{"etcd1:2379", "etcd2:2379"}; !reflect.DeepEqual(c.EtcdEndpoints, want) {
		t.Fatalf("expect %v, got %v", want, c.EtcdEndpoints)
	}
	if c.CallTimeout != 5*time.Second || c.ChunkSize != 65536 || c.Compression != "zstd" || c.RateLimit != 12.5 {
		t.Fatalf("unexpected call settings %+v", c)
	}
	if c.Retries != 3 || c.RetryDelay != 250*time.Millisecond {
		t.Fatalf("unexpected retry settings %+v", c)
	}
	// Untouched fields keep their defaults
	if c.TransferTTL != Default().TransferTTL {
		t.Fatalf("expect default ttl, got %v", c.TransferTTL)
	}
	if l, _ := c.Level(); l != slog.LevelDebug {
		t.Fatalf("expect debug level, got %v", l)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestFromEnvBadValues(t *testing.T) {
	_, err := fromLookup(env(map[string]string{
		"MQRPC_CHUNK_SIZE":   "big",
		"MQRPC_CALL_TIMEOUT": "soon",
	}))
	if err == nil {
		t.Fatal("expect parse errors")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no url", func(c *Config) { c.AMQPURL = "" }},
		{"no queue", func(c *Config) { c.RequestQueue = "" }},
		{"negative chunk", func(c *Config) { c.ChunkSize = -1 }},
		{"unknown compression", func(c *Config) { c.Compression = "lz4" }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
		{"ttl without sweep", func(c *Config) { c.SweepInterval = 0 }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"chunk over decode limit", func(c *Config) { c.Compression, c.ChunkSize = "zstd", 128 << 20 }},
		{"negative retries", func(c *Config) { c.Retries = -1 }},
		{"retries without delay", func(c *Config) { c.Retries, c.RetryDelay = 2, 0 }},
	}
	for _, tc := range cases {
		c := Default()
		tc.mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expect validation error", tc.name)
		}
	}
}
