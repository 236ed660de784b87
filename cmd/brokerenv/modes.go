package main

import (
	"strings"

	"github.com/CZERTAINLY/broker-testenv/internal/model"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	keyStorage    = "storage"
	keyKeyManager = "key_manager"
	keyMailer     = "mailer"
)

// modeFlags adds --storage, --key-manager and --mailer to fs.
func modeFlags(fs *pflag.FlagSet) {
	fs.String("storage", "", "storage backend: "+join(model.StorageModes))
	fs.String("key-manager", "", "key manager: "+join(model.KeyManagerModes))
	fs.String("mailer", "", "mailer: "+join(model.MailerModes))
}

// newModeViper resolves the modes with precedence flag, TEST_* environment
// variable, config file.
func newModeViper(fs *pflag.FlagSet, defaults model.Modes) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("TEST")
	v.AutomaticEnv()

	v.SetDefault(keyStorage, string(defaults.Storage))
	v.SetDefault(keyKeyManager, string(defaults.KeyManager))
	v.SetDefault(keyMailer, string(defaults.Mailer))

	for key, flag := range map[string]string{
		keyStorage:    "storage",
		keyKeyManager: "key-manager",
		keyMailer:     "mailer",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func resolveModes(fs *pflag.FlagSet, defaults model.Modes) (model.Modes, error) {
	v, err := newModeViper(fs, defaults)
	if err != nil {
		return model.Modes{}, err
	}
	return model.ParseModes(
		v.GetString(keyStorage),
		v.GetString(keyKeyManager),
		v.GetString(keyMailer),
	)
}

func join[T ~string](modes []T) string {
	s := make([]string, len(modes))
	for i, m := range modes {
		s[i] = string(m)
	}
	return strings.Join(s, ", ")
}
