package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrExists is returned by WriteStarter when the target file is already present.
var ErrExists = errors.New("config file already exists")

const starterHeader = `# chatrelay configuration
# reply.mode "text" renders reply.text; "command" runs reply.command per message.
# Placeholders like {{Body}}, {{From}} and {{SessionId}} expand in text and argv.
`

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Decoding registered defaults into Config cannot fail.
	_ = v.Unmarshal(&cfg)

	return cfg
}

// Starter returns the defaults with an echo reply filled in.
func Starter() Config {
	cfg := Defaults()
	cfg.Reply.Text = "Echo: {{Body}}"
	return cfg
}

// WriteStarter writes Starter() as YAML to path. Existing files are kept unless force is set.
func WriteStarter(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(starterHeader)

	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(Starter()); err != nil {
		return fmt.Errorf("encode starter config: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("encode starter config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
