/*
Package cli facilitates building command-line applications that read device state through the
eWeLink cloud. It defines a [Config] type that can be used to register common command-line flags
(using the Golang flag package) and environment variable equivalents.

The package uses [keyring]'s platform-agnostic interface for storing sensitive values (account
passwords and app secrets) in an OS-dependent credential store.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for the account, device, keyring, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	creds, err := config.Credentials() // Loads secrets, prompting for them if needed
	if err != nil {
		panic(err)
	}

A [Flag] mask controls which [Config] fields are populated. Note that config.Flags must be set
before calling [Config.RegisterCommandLineFlags] or [Config.ReadFromEnvironment]:

	config, err = NewConfig(FlagAccount) // No -device-id option.

Secrets are looked up in the environment first, then in the system keyring, and finally by
prompting on the terminal.
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/99designs/keyring"

	"github.com/flowrelay/ewelink-command/internal/log"
	"github.com/flowrelay/ewelink-command/pkg/ewelink"
	"github.com/flowrelay/ewelink-command/pkg/flow"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvEmail          = "EWELINK_EMAIL"
	EnvPhone          = "EWELINK_PHONE"
	EnvCountryCode    = "EWELINK_COUNTRY_CODE"
	EnvRegion         = "EWELINK_REGION"
	EnvAppID          = "EWELINK_APP_ID"
	EnvAppSecret      = "EWELINK_APP_SECRET"
	EnvPassword       = "EWELINK_PASSWORD"
	EnvPasswordName   = "EWELINK_PASSWORD_NAME"
	EnvDeviceID       = "EWELINK_DEVICE_ID"
	EnvKeyringType    = "EWELINK_KEYRING_TYPE"
	EnvKeyringPass    = "EWELINK_KEYRING_PASSWORD"
	EnvKeyringPath    = "EWELINK_KEYRING_PATH"
	EnvKeyringDebug   = "EWELINK_KEYRING_DEBUG"
	defaultNodeName   = "current-state"
	defaultCredential = "cli"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagAccount Flag = 1 // Enable account and app options.
	FlagDevice  Flag = 2 // Enable device id option.
	FlagKeyring Flag = 4 // Enable keyring options. Without it, secrets come from the environment or a prompt.
	FlagAll     Flag = FlagAccount | FlagDevice | FlagKeyring
)

var (
	ErrNoAccount      = errors.New("email or phone number not provided")
	ErrNoPasswordName = errors.New("keyring name for password not provided")
	ErrKeyNotFound    = keyring.ErrKeyNotFound
)

// Config fields determine which account a client logs in to and which device it reads.
type Config struct {
	Flags       Flag // Controls which set of environment variables/CLI flags to use.
	Email       string
	PhoneNumber string
	CountryCode string
	Region      string
	AppID       string
	DeviceID    string
	// PasswordName identifies the account password in the system keyring. Defaults to the
	// account's email address or phone number.
	PasswordName string
	Backend      keyring.Config
	BackendType  backendType
	Debug        bool // Enable keyring debug messages

	password  *string // Keyring file password
	secrets   map[string]string
	promptFor func(prompt string) (string, error)
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
		secrets: make(map[string]string),
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword
	c.promptFor = readFromTerminal

	return &c, nil
}

// RegisterCommandLineFlags adds c's options to the default flag set.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags adds c's options to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	if c.Flags.isSet(FlagAccount) {
		fs.StringVar(&c.Email, "email", "", "Account `email` address. Defaults to $EWELINK_EMAIL.")
		fs.StringVar(&c.PhoneNumber, "phone", "", "Account `phone` number, as an alternative to -email. Defaults to $EWELINK_PHONE.")
		fs.StringVar(&c.CountryCode, "country-code", "", "Country `code` for -phone, such as +1. Defaults to $EWELINK_COUNTRY_CODE.")
		fs.StringVar(&c.Region, "region", "", "Cloud `region` (cn|as|us|eu). Defaults to $EWELINK_REGION, then "+ewelink.DefaultRegion+".")
		fs.StringVar(&c.AppID, "app-id", "", "eWeLink developer app `id`. Defaults to $EWELINK_APP_ID.")
	}
	if c.Flags.isSet(FlagDevice) {
		fs.StringVar(&c.DeviceID, "device-id", "", "Device `id`. Overrides ids given as arguments. Defaults to $EWELINK_DEVICE_ID.")
	}
	if c.Flags.isSet(FlagKeyring) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.StringVar(&c.PasswordName, "password-name", "", "System keyring `name` for the account password. Defaults to $EWELINK_PASSWORD_NAME, then the account.")
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $EWELINK_KEYRING_TYPE.")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagAccount) {
		if c.Email == "" && c.PhoneNumber == "" {
			c.Email = os.Getenv(EnvEmail)
			log.Debug("Set email to '%s'", c.Email)

			c.PhoneNumber = os.Getenv(EnvPhone)
			log.Debug("Set phone number to '%s'", c.PhoneNumber)
		}
		if c.CountryCode == "" {
			c.CountryCode = os.Getenv(EnvCountryCode)
		}
		if c.Region == "" {
			c.Region = os.Getenv(EnvRegion)
			log.Debug("Set region to '%s'", c.Region)
		}
		if c.AppID == "" {
			c.AppID = os.Getenv(EnvAppID)
			log.Debug("Set app id to '%s'", c.AppID)
		}
		if secret, ok := os.LookupEnv(EnvAppSecret); ok && c.secrets[appSecretService] == "" {
			c.secrets[appSecretService] = secret
			log.Debug("Set app secret to %s", strings.Repeat("*", len("hunter2")))
		}
		if password, ok := os.LookupEnv(EnvPassword); ok && c.secrets[passwordService] == "" {
			c.secrets[passwordService] = password
			log.Debug("Set account password to %s", strings.Repeat("*", len("hunter2")))
		}
	}
	if c.Flags.isSet(FlagDevice) {
		if c.DeviceID == "" {
			c.DeviceID = os.Getenv(EnvDeviceID)
			log.Debug("Set device id to '%s'", c.DeviceID)
		}
	}
	if c.Flags.isSet(FlagKeyring) {
		if c.PasswordName == "" {
			c.PasswordName = os.Getenv(EnvPasswordName)
		}
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
	keyring.Debug = c.Debug
}

func (c *Config) account() string {
	if c.Email != "" {
		return c.Email
	}
	return c.PhoneNumber
}

func (c *Config) passwordName() string {
	if c.PasswordName != "" {
		return c.PasswordName
	}
	return c.account()
}

// LoadCredentials loads the account password and app secret, prompting for them if needed. Call
// this method before connecting to prevent interactive prompts from counting against timeouts.
func (c *Config) LoadCredentials() error {
	if c.account() == "" {
		return ErrNoAccount
	}
	if c.AppID == "" {
		return ewelink.ErrMissingAppCredentials
	}
	if _, err := c.secret(passwordService, c.passwordName(), "eWeLink password for "+c.account()); err != nil {
		return fmt.Errorf("could not load password: %w", err)
	}
	if _, err := c.secret(appSecretService, c.AppID, "App secret for "+c.AppID); err != nil {
		return fmt.Errorf("could not load app secret: %w", err)
	}
	return nil
}

// Credentials returns validated login credentials built from c, loading secrets as needed.
func (c *Config) Credentials() (ewelink.Credentials, error) {
	if err := c.LoadCredentials(); err != nil {
		return ewelink.Credentials{}, err
	}
	creds := ewelink.Credentials{
		Email:       c.Email,
		PhoneNumber: c.PhoneNumber,
		CountryCode: c.CountryCode,
		Password:    c.secrets[passwordService],
		Region:      c.Region,
		AppID:       c.AppID,
		AppSecret:   c.secrets[appSecretService],
	}
	if err := creds.Validate(); err != nil {
		return ewelink.Credentials{}, err
	}
	return creds, nil
}

// Flow returns a single-node flow definition for the configured account and device. The node is
// named [Config.NodeName].
func (c *Config) Flow() (*flow.Definition, error) {
	creds, err := c.Credentials()
	if err != nil {
		return nil, err
	}
	def := &flow.Definition{
		Credentials: map[string]ewelink.Credentials{defaultCredential: creds},
		Nodes: []flow.NodeDefinition{
			{Name: c.NodeName(), Credentials: defaultCredential, DeviceID: c.DeviceID},
		},
	}
	return def, def.Validate()
}

// NodeName is the name of the node in the definition returned by [Config.Flow].
func (c *Config) NodeName() string {
	return defaultNodeName
}
