package ewelink

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const DefaultRegion = "us"

var regionHosts = map[string]string{
	"cn": "cn-apia.coolkit.cn",
	"as": "as-apia.coolkit.cc",
	"us": "us-apia.coolkit.cc",
	"eu": "eu-apia.coolkit.cc",
}

var (
	ErrMissingAppCredentials = errors.New("credentials require an app id and app secret")
	ErrMissingPassword       = errors.New("credentials require a password")
	ErrMissingAccount        = errors.New("credentials require exactly one of email or phone number")
)

// Credentials identify an eWeLink account. Credentials are plain values: two Credentials with
// identical fields identify the same account.
type Credentials struct {
	Email       string `yaml:"email" json:"email,omitempty"`
	PhoneNumber string `yaml:"phone_number" json:"phone_number,omitempty"`
	CountryCode string `yaml:"country_code" json:"country_code,omitempty"`
	Password    string `yaml:"password" json:"-"`
	Region      string `yaml:"region" json:"region,omitempty"`
	AppID       string `yaml:"app_id" json:"app_id,omitempty"`
	AppSecret   string `yaml:"app_secret" json:"-"`
}

// Validate checks that c contains enough information to attempt a login.
func (c Credentials) Validate() error {
	if c.AppID == "" || c.AppSecret == "" {
		return ErrMissingAppCredentials
	}
	if c.Password == "" {
		return ErrMissingPassword
	}
	if (c.Email == "") == (c.PhoneNumber == "") {
		return ErrMissingAccount
	}
	if _, err := HostForRegion(c.Region); err != nil {
		return err
	}
	return nil
}

// Account returns the email address or phone number that identifies the account.
func (c Credentials) Account() string {
	if c.Email != "" {
		return c.Email
	}
	return c.PhoneNumber
}

// Key returns a stable identity for c. Every field, including secrets, contributes to the key so
// that changing a password never resolves to a session created with the old one.
func (c Credentials) Key() string {
	h := sha256.New()
	for _, field := range []string{c.Email, c.PhoneNumber, c.CountryCode, c.Password, normalizeRegion(c.Region), c.AppID, c.AppSecret} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// String describes the account without revealing secrets.
func (c Credentials) String() string {
	return fmt.Sprintf("%s@%s", c.Account(), normalizeRegion(c.Region))
}

func normalizeRegion(region string) string {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		return DefaultRegion
	}
	return region
}

// HostForRegion returns the API host serving region.
func HostForRegion(region string) (string, error) {
	host, ok := regionHosts[normalizeRegion(region)]
	if !ok {
		return "", fmt.Errorf("unsupported region '%s'", region)
	}
	return host, nil
}
