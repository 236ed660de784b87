package env

import (
	"github.com/CZERTAINLY/broker-testenv/internal/model"
)

// Var is the name of an environment variable understood by the broker.
type Var string

// baseline
const (
	RustLog        Var = "RUST_LOG"
	RustBacktrace  Var = "RUST_BACKTRACE"
	ListenIP       Var = "BROKER_LISTEN_IP"
	ListenPort     Var = "BROKER_LISTEN_PORT"
	PublicURL      Var = "BROKER_PUBLIC_URL"
	FromAddress    Var = "BROKER_FROM_ADDRESS"
	Limits         Var = "BROKER_LIMITS"
	AllowedDomains Var = "BROKER_ALLOWED_DOMAINS"
)

// storage
const (
	MemoryStorage Var = "BROKER_MEMORY_STORAGE"
	RedisURL      Var = "BROKER_REDIS_URL"
	SQLiteDB      Var = "BROKER_SQLITE_DB"
)

// key manager
const (
	KeyText Var = "BROKER_KEYTEXT"
)

// mailer
const (
	SMTPServer      Var = "BROKER_SMTP_SERVER"
	SendmailCommand Var = "BROKER_SENDMAIL_COMMAND"
	PostmarkToken   Var = "BROKER_POSTMARK_TOKEN"
	PostmarkAPI     Var = "BROKER_POSTMARK_API"
	MailgunToken    Var = "BROKER_MAILGUN_TOKEN"
	MailgunAPI      Var = "BROKER_MAILGUN_API"
	MailgunDomain   Var = "BROKER_MAILGUN_DOMAIN"
	SendgridToken   Var = "BROKER_SENDGRID_TOKEN"
	SendgridAPI     Var = "BROKER_SENDGRID_API"
)

// Fake credentials handed to the broker for the mail API providers. The mock
// API server accepts only these.
const (
	FakePostmarkToken = "POSTMARK_API_TEST"
	FakeMailgunToken  = "MAILGUN_API_TEST"
	FakeSendgridToken = "SENDGRID_API_TEST"
	FakeMailgunDomain = "mg.example.com"
)

// Mock API endpoints relative to the mock server base URL.
const (
	PostmarkPath = "/postmark/email"
	MailgunPath  = "/mailgun/v3"
	SendgridPath = "/sendgrid/v3/mail/send"
)

var baselineVars = []Var{
	RustLog,
	RustBacktrace,
	ListenIP,
	ListenPort,
	PublicURL,
	FromAddress,
	Limits,
	AllowedDomains,
}

var storageVars = map[model.StorageMode][]Var{
	model.StorageMemory: {MemoryStorage},
	model.StorageRedis:  {RedisURL},
	model.StorageSQLite: {SQLiteDB},
}

var keyManagerVars = map[model.KeyManagerMode][]Var{
	model.KeyManagerRotating: nil,
	model.KeyManagerManual:   {KeyText},
}

var mailerVars = map[model.MailerMode][]Var{
	model.MailerSMTP:     {SMTPServer},
	model.MailerSendmail: {SendmailCommand},
	model.MailerPostmark: {PostmarkToken, PostmarkAPI},
	model.MailerMailgun:  {MailgunToken, MailgunAPI, MailgunDomain},
	model.MailerSendgrid: {SendgridToken, SendgridAPI},
}

// Required returns the variables a broker needs for the given modes: the
// baseline plus exactly one group per selected mode.
func Required(modes model.Modes) []Var {
	ret := append([]Var(nil), baselineVars...)
	ret = append(ret, storageVars[modes.Storage]...)
	ret = append(ret, keyManagerVars[modes.KeyManager]...)
	ret = append(ret, mailerVars[modes.Mailer]...)
	return ret
}
