// Package config defines the flag/env-driven configuration a node reads
// at startup, in the teacher's runconsumer.BaseConfig embedding idiom:
// one top-level struct whose fields are themselves grouped structs with
// jessevdk/go-flags "group"/"namespace"/"env-namespace" tags.
package config

import (
	"fmt"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// NodeConfig configures one flow node process: its own identity, where
// it listens for RPC traffic, and how it reaches its external
// collaborators (spec.md section 1).
type NodeConfig struct {
	Party      string `long:"party" env:"FLOW_PARTY" required:"true" description:"this node's own Party identity"`
	RPCAddr    string `long:"rpc-addr" env:"FLOW_RPC_ADDR" default:":7070" description:"address the RPC lifecycle surface listens on"`
	HealthAddr string `long:"health-addr" env:"FLOW_HEALTH_ADDR" default:":7071" description:"address the Prometheus /metrics handler listens on"`

	ShutdownTimeout time.Duration `long:"shutdown-timeout" env:"FLOW_SHUTDOWN_TIMEOUT" default:"30s" description:"how long to wait for live runs to checkpoint before a graceful shutdown gives up"`

	SQLite    SQLiteConfig    `group:"SQLite" namespace:"sqlite" env-namespace:"SQLITE"`
	Etcd      EtcdConfig      `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	GCS       GCSConfig       `group:"GCS" namespace:"gcs" env-namespace:"GCS"`
	Auth      AuthConfig      `group:"Auth" namespace:"auth" env-namespace:"AUTH"`
	Log       LogConfig       `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Dedup     DedupConfig     `group:"Dedup" namespace:"dedup" env-namespace:"DEDUP"`
}

// SQLiteConfig configures the checkpoint store's backing database
// (spec.md section 4.3).
type SQLiteConfig struct {
	Path string `long:"path" env:"PATH" default:"flow.db" description:"path to the node's SQLite checkpoint database"`
}

// EtcdConfig configures the default network-map directory (spec.md
// section 6, "Directory").
type EtcdConfig struct {
	Endpoints       []string `long:"endpoints" env:"ENDPOINTS" env-delim:"," default:"localhost:2379" description:"etcd cluster endpoints"`
	DirectoryPrefix string   `long:"directory-prefix" env:"DIRECTORY_PREFIX" default:"/flow/directory" description:"etcd key prefix the directory watches"`
}

// GCSConfig configures the default attachment store.
type GCSConfig struct {
	Bucket string `long:"bucket" env:"BUCKET" description:"GCS bucket backing the attachment store"`
}

// AuthConfig configures the RPC lifecycle surface's permission gate
// (spec.md section 4.5).
type AuthConfig struct {
	JWTSecret string `long:"jwt-secret" env:"JWT_SECRET" required:"true" description:"HMAC signing key for bearer tokens"`
}

// LogConfig configures the node's structured logger.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" description:"minimum level logged: trace, debug, info, warn, error"`
	Format string `long:"format" env:"FORMAT" default:"json" description:"logrus formatter: json or text"`
}

// DedupConfig configures the session protocol engine's inbound dedup
// cache (spec.md section 4.2).
type DedupConfig struct {
	CacheSize int `long:"cache-size" env:"CACHE_SIZE" default:"65536" description:"capacity of the (sender, session, message-id) dedup LRU"`
}

// Parse parses args (normally os.Args[1:]) into a fresh NodeConfig.
func Parse(args []string) (*NodeConfig, error) {
	var cfg NodeConfig
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("parsing node configuration: %w", err)
	}
	return &cfg, nil
}
