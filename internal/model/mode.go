package model

// StorageMode selects the broker storage backend.
type StorageMode string

const (
	StorageMemory StorageMode = "memory"
	StorageRedis  StorageMode = "redis"
	StorageSQLite StorageMode = "sqlite"
)

// KeyManagerMode selects how the broker obtains its signing keys.
type KeyManagerMode string

const (
	KeyManagerRotating KeyManagerMode = "rotating"
	KeyManagerManual   KeyManagerMode = "manual"
)

// MailerMode selects how the broker sends outbound mail.
type MailerMode string

const (
	MailerSMTP     MailerMode = "smtp"
	MailerSendmail MailerMode = "sendmail"
	MailerPostmark MailerMode = "postmark"
	MailerMailgun  MailerMode = "mailgun"
	MailerSendgrid MailerMode = "sendgrid"
)

var (
	StorageModes    = []StorageMode{StorageMemory, StorageRedis, StorageSQLite}
	KeyManagerModes = []KeyManagerMode{KeyManagerRotating, KeyManagerManual}
	MailerModes     = []MailerMode{MailerSMTP, MailerSendmail, MailerPostmark, MailerMailgun, MailerSendgrid}
	mailerAPIModes  = []MailerMode{MailerPostmark, MailerMailgun, MailerSendgrid}
)

// Modes is the backend selection of a single harness invocation.
type Modes struct {
	Storage    StorageMode    `json:"storage" yaml:"storage"`
	KeyManager KeyManagerMode `json:"key_manager" yaml:"key_manager"`
	Mailer     MailerMode     `json:"mailer" yaml:"mailer"`
}

func ParseStorageMode(s string) (StorageMode, error) {
	for _, m := range StorageModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", &ConfigError{Reason: ReasonStorageMode, Value: s}
}

func ParseKeyManagerMode(s string) (KeyManagerMode, error) {
	for _, m := range KeyManagerModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", &ConfigError{Reason: ReasonKeyManagerMode, Value: s}
}

func ParseMailerMode(s string) (MailerMode, error) {
	for _, m := range MailerModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", &ConfigError{Reason: ReasonMailerMode, Value: s}
}

// ParseModes parses all three selections, the first invalid one is reported.
func ParseModes(storage, keyManager, mailer string) (Modes, error) {
	s, err := ParseStorageMode(storage)
	if err != nil {
		return Modes{}, err
	}
	k, err := ParseKeyManagerMode(keyManager)
	if err != nil {
		return Modes{}, err
	}
	m, err := ParseMailerMode(mailer)
	if err != nil {
		return Modes{}, err
	}
	return Modes{Storage: s, KeyManager: k, Mailer: m}, nil
}

// UsesMailAPI reports whether the mailer talks to an HTTP mail API, which the
// harness replaces with a local mock server.
func (m MailerMode) UsesMailAPI() bool {
	for _, api := range mailerAPIModes {
		if m == api {
			return true
		}
	}
	return false
}
