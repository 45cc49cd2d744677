package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"

	"github.com/flowrelay/ewelink-command/internal/log"
)

const (
	keyringServiceName = "com.coolkit.ewelink"
	passwordService    = "password"
	appSecretService   = "appsecret"
	keyringDirectory   = "~/.ewelink_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

// readFromTerminal prompts for a value without echoing it.
func readFromTerminal(prompt string) (string, error) {
	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		} else {
			w = os.Stderr
		}
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	return string(b), nil
}

// getPassword supplies the password for file-backed keyrings.
func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}
	password, err := c.promptFor(prompt)
	if err != nil {
		return "", err
	}
	c.password = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	return keyring.Open(c.Backend)
}

func keyringItem(service, name string) string {
	return service + "." + name
}

// secret returns a cached secret, or else loads it from the keyring, or else prompts for it.
func (c *Config) secret(service, name, prompt string) (string, error) {
	if value := c.secrets[service]; value != "" {
		return value, nil
	}
	if c.Flags.isSet(FlagKeyring) && name != "" {
		value, err := c.loadFromKeyring(service, name)
		if err == nil {
			c.secrets[service] = value
			return value, nil
		}
		log.Debug("Could not read %s from keyring: %s", keyringItem(service, name), err)
	}
	value, err := c.promptFor(prompt)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", fmt.Errorf("no value entered")
	}
	c.secrets[service] = value
	return value, nil
}

func (c *Config) loadFromKeyring(service, name string) (string, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return "", err
	}
	item, err := kr.Get(keyringItem(service, name))
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

func (c *Config) saveToKeyring(service, name, value string) error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{
		Key:   keyringItem(service, name),
		Label: "eWeLink " + service + " for " + name,
		Data:  []byte(value),
	}); err != nil {
		return fmt.Errorf("failed to enroll %s in keyring: %s", service, err)
	}
	c.secrets[service] = value
	return nil
}

// SavePassword writes the account password to the system keyring under [Config.PasswordName],
// or under the account if no name is configured.
func (c *Config) SavePassword(password string) error {
	name := c.passwordName()
	if name == "" {
		return ErrNoPasswordName
	}
	return c.saveToKeyring(passwordService, name, password)
}

// SaveAppSecret writes the app secret for c.AppID to the system keyring.
func (c *Config) SaveAppSecret(secret string) error {
	if c.AppID == "" {
		return fmt.Errorf("app id not provided")
	}
	return c.saveToKeyring(appSecretService, c.AppID, secret)
}

// DeletePassword removes the account password from the system keyring.
func (c *Config) DeletePassword() error {
	name := c.passwordName()
	if name == "" {
		return ErrNoPasswordName
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	delete(c.secrets, passwordService)
	return kr.Remove(keyringItem(passwordService, name))
}
