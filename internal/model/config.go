package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultListenPort = 44133
	DefaultDelay      = 500 * time.Millisecond
	DefaultAttempts   = 20
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is the ambient configuration of the harness. Everything the
// environment builder needs apart from the mode selection lives here.
type Config struct {
	Version         int       `json:"version" yaml:"version"` // fixed 0 for now
	Broker          Broker    `json:"broker" yaml:"broker"`
	Modes           Modes     `json:"modes" yaml:"modes"`
	Listen          Listen    `json:"listen" yaml:"listen"`
	PublicURL       string    `json:"public_url" yaml:"public_url"`
	FromAddress     string    `json:"from_address" yaml:"from_address"`
	Limits          string    `json:"limits" yaml:"limits"`
	AllowedDomains  []string  `json:"allowed_domains" yaml:"allowed_domains"`
	RedisURL        string    `json:"redis_url" yaml:"redis_url"`
	SMTPServer      string    `json:"smtp_server" yaml:"smtp_server"`
	HarnessRoot     string    `json:"harness_root" yaml:"harness_root"`
	SendmailCommand string    `json:"sendmail_command" yaml:"sendmail_command"` // relative to HarnessRoot
	MockAPI         string    `json:"mock_api" yaml:"mock_api"`                 // host:port of the mock mail API
	Readiness       Readiness `json:"readiness" yaml:"readiness"`
	Verbose         bool      `json:"verbose" yaml:"verbose"`
}

type Broker struct {
	Path string `json:"path" yaml:"path"`
	Root string `json:"root" yaml:"root"`
}

type Listen struct {
	IP   string `json:"ip" yaml:"ip"`
	Port int    `json:"port" yaml:"port"`
}

type Readiness struct {
	Attempts int    `json:"attempts" yaml:"attempts"`
	Delay    string `json:"delay" yaml:"delay"`
}

// DelayDuration returns the parsed delay, the schema guarantees the format.
func (r Readiness) DelayDuration() time.Duration {
	d, err := time.ParseDuration(r.Delay)
	if err != nil {
		return DefaultDelay
	}
	return d
}

// DefaultConfig mirrors the defaults of config.cue.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Broker: Broker{
			Path: "target/debug/portier-broker",
			Root: ".",
		},
		Modes: Modes{
			Storage:    StorageMemory,
			KeyManager: KeyManagerRotating,
			Mailer:     MailerSendmail,
		},
		Listen: Listen{
			Port: DefaultListenPort,
		},
		PublicURL:       "http://localhost:44133",
		FromAddress:     "portier@example.com",
		Limits:          "50/min",
		AllowedDomains:  []string{"example.com"},
		RedisURL:        "redis://127.0.0.1/0",
		SMTPServer:      "127.0.0.1:44125",
		HarnessRoot:     ".",
		SendmailCommand: "scripts/sendmail.sh",
		MockAPI:         "127.0.0.1:44920",
		Readiness: Readiness{
			Attempts: DefaultAttempts,
			Delay:    DefaultDelay.String(),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Missing fields get the schema defaults.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	return out, nil
}
