// Package env builds the process environment of a broker under test.
//
// Build is pure apart from randomness and one file check: the sqlite
// database name and the RSA key of the manual key manager are generated fresh
// on every call, and in sendmail mode the delivery script must exist. Nothing
// is written to disk and the harness own environment is not touched.
package env

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/broker-testenv/internal/model"
)

const (
	logLevel  = "info,portier_broker=debug"
	backtrace = "1"

	// Redis clients do not always try every address "localhost" resolves
	// to and containers often forward IPv4 only.
	redisURL = "redis://127.0.0.1/0"

	rsaBits = 2048
)

// Environment maps broker variables to their values.
type Environment map[Var]string

func (e Environment) Get(v Var) (string, bool) {
	s, ok := e[v]
	return s, ok
}

// Environ returns KEY=value pairs sorted by key, suitable for exec.Cmd.Env.
func (e Environment) Environ() []string {
	ret := make([]string, 0, len(e))
	for k, v := range e {
		ret = append(ret, string(k)+"="+v)
	}
	slices.Sort(ret)
	return ret
}

// Build returns the environment for a broker running with modes on top of
// cfg. Unknown modes return a *model.ConfigError and no environment.
func Build(modes model.Modes, cfg model.Config) (Environment, error) {
	env := make(Environment, 16)
	baseline(env, cfg)

	if err := storage(env, modes.Storage, cfg); err != nil {
		return nil, err
	}
	if err := keyManager(env, modes.KeyManager); err != nil {
		return nil, err
	}
	if err := mailer(env, modes.Mailer, cfg); err != nil {
		return nil, err
	}

	if err := validate(env, modes); err != nil {
		return nil, err
	}
	return env, nil
}

// DefaultListenIP pins an explicit loopback address. macOS resolves
// localhost to ::1 first, while the broker binds IPv4 unless told otherwise.
func DefaultListenIP(goos string) string {
	if goos == "darwin" {
		return "::1"
	}
	return "127.0.0.1"
}

// ListenIPFor returns the address the broker will listen on for cfg.
func ListenIPFor(cfg model.Config) string {
	if cfg.Listen.IP != "" {
		return cfg.Listen.IP
	}
	return DefaultListenIP(runtime.GOOS)
}

func baseline(env Environment, cfg model.Config) {
	env[RustLog] = logLevel
	env[RustBacktrace] = backtrace
	env[ListenIP] = ListenIPFor(cfg)
	env[ListenPort] = strconv.Itoa(cfg.Listen.Port)
	env[PublicURL] = cfg.PublicURL
	env[FromAddress] = cfg.FromAddress
	env[Limits] = cfg.Limits
	env[AllowedDomains] = strings.Join(cfg.AllowedDomains, ",")
}

func storage(env Environment, mode model.StorageMode, cfg model.Config) error {
	switch mode {
	case model.StorageMemory:
		env[MemoryStorage] = "true"
	case model.StorageRedis:
		url := redisURL
		if cfg.RedisURL != "" {
			url = cfg.RedisURL
		}
		env[RedisURL] = url
	case model.StorageSQLite:
		env[SQLiteDB] = sqlitePath()
	default:
		return &model.ConfigError{Reason: model.ReasonStorageMode, Value: string(mode)}
	}
	return nil
}

// sqlitePath returns a fresh database path, so concurrent test runs never
// share a database.
func sqlitePath() string {
	name := "portier-broker-test-" + strconv.FormatUint(mrand.Uint64(), 10) + ".sqlite3"
	return filepath.Join(os.TempDir(), name)
}

func keyManager(env Environment, mode model.KeyManagerMode) error {
	switch mode {
	case model.KeyManagerRotating:
		// broker rotates its own keys
	case model.KeyManagerManual:
		key, err := privateKeyPEM()
		if err != nil {
			return fmt.Errorf("generating broker key: %w", err)
		}
		env[KeyText] = key
	default:
		return &model.ConfigError{Reason: model.ReasonKeyManagerMode, Value: string(mode)}
	}
	return nil
}

func privateKeyPEM() (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func mailer(env Environment, mode model.MailerMode, cfg model.Config) error {
	api := "http://" + cfg.MockAPI
	switch mode {
	case model.MailerSMTP:
		env[SMTPServer] = cfg.SMTPServer
	case model.MailerSendmail:
		path, err := scriptPath(cfg)
		if err != nil {
			return fmt.Errorf("resolving sendmail command: %w", err)
		}
		env[SendmailCommand] = path
	case model.MailerPostmark:
		env[PostmarkToken] = FakePostmarkToken
		env[PostmarkAPI] = api + PostmarkPath
	case model.MailerMailgun:
		env[MailgunToken] = FakeMailgunToken
		env[MailgunAPI] = api + MailgunPath
		env[MailgunDomain] = FakeMailgunDomain
	case model.MailerSendgrid:
		env[SendgridToken] = FakeSendgridToken
		env[SendgridAPI] = api + SendgridPath
	default:
		return &model.ConfigError{Reason: model.ReasonMailerMode, Value: string(mode)}
	}
	return nil
}

// scriptPath resolves the sendmail script against the harness checkout, the
// broker runs from its own root and only sees the absolute path.
func scriptPath(cfg model.Config) (string, error) {
	path := cfg.SendmailCommand
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.HarnessRoot, path)
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: not a regular file", path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s: not executable", path)
	}
	return path, nil
}

func validate(env Environment, modes model.Modes) error {
	required := Required(modes)
	for _, v := range required {
		if env[v] == "" {
			return fmt.Errorf("environment for %s/%s/%s: missing %s",
				modes.Storage, modes.KeyManager, modes.Mailer, v)
		}
	}
	for v := range env {
		if !slices.Contains(required, v) {
			return fmt.Errorf("environment for %s/%s/%s: unexpected %s",
				modes.Storage, modes.KeyManager, modes.Mailer, v)
		}
	}
	return nil
}

// Owned reports whether the broker reads the variable name, such variables
// only ever come from a built Environment.
func Owned(name string) bool {
	return strings.HasPrefix(name, "BROKER_") || name == string(RustLog) || name == string(RustBacktrace)
}

// Inherit returns environ without the variables the broker reads, so a
// BROKER_* setting of the harness can't add a second backend group.
func Inherit(environ []string) []string {
	ret := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if Owned(name) {
			continue
		}
		ret = append(ret, kv)
	}
	return ret
}
