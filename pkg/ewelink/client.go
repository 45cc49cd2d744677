package ewelink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowrelay/ewelink-command/internal/log"
	"github.com/flowrelay/ewelink-command/pkg/protocol"
)

const (
	// MaxResponseLength caps the number of bytes read from a cloud response.
	MaxResponseLength = 1000000
	LibraryVersion    = "ewelink-command/1.0.0"
	loginEndpoint     = "v2/user/login"
	stateEndpoint     = "v2/device/thing/status"
)

type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

func (e *HttpError) MayHaveSucceeded() bool {
	return false
}

func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests
}

// envelope is the wrapper the cloud places around every response body.
type envelope struct {
	Error   int             `json:"error"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// Client opens sessions with the eWeLink cloud.
type Client struct {
	UserAgent string
	// StateParams limits GetCurrentState to the named device parameters (for example
	// "currentTemperature"). Leave empty to fetch every parameter the device reports.
	StateParams []string
	HTTPClient  *http.Client
}

// NewClient returns a Client. If userAgent is empty, a default is used.
func NewClient(userAgent string) *Client {
	if userAgent == "" {
		userAgent = LibraryVersion
	} else {
		userAgent = fmt.Sprintf("%s %s", userAgent, LibraryVersion)
	}
	return &Client{
		UserAgent:  userAgent,
		HTTPClient: &http.Client{},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

type loginRequest struct {
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Password    string `json:"password"`
	CountryCode string `json:"countryCode,omitempty"`
}

type loginResponse struct {
	AccessToken string `json:"at"`
	Region      string `json:"region"`
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Connect logs in to the account described by creds.
//
// If the cloud reports that the account lives in a different region, Connect retries once
// against that region's host.
func (c *Client) Connect(ctx context.Context, creds Credentials) (*Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(&loginRequest{
		Email:       creds.Email,
		PhoneNumber: creds.PhoneNumber,
		Password:    creds.Password,
		CountryCode: creds.CountryCode,
	})
	if err != nil {
		return nil, err
	}
	region := normalizeRegion(creds.Region)
	for attempt := 0; attempt < 2; attempt++ {
		host, err := HostForRegion(region)
		if err != nil {
			return nil, err
		}
		header := http.Header{}
		header.Set("X-CK-Appid", creds.AppID)
		header.Set("Authorization", "Sign "+sign(creds.AppSecret, body))
		env, err := c.do(ctx, http.MethodPost, fmt.Sprintf("https://%s/%s", host, loginEndpoint), header, body)
		if err != nil {
			return nil, err
		}
		if env.Error == protocol.CodeWrongRegion {
			var redirect struct {
				Region string `json:"region"`
			}
			if err := json.Unmarshal(env.Data, &redirect); err != nil || redirect.Region == "" || normalizeRegion(redirect.Region) == region {
				return nil, protocol.GetError(env.Error, env.Message)
			}
			log.Debug("Account %s belongs to region %s. Updating server URL.", creds.Account(), redirect.Region)
			region = normalizeRegion(redirect.Region)
			continue
		}
		if err := protocol.GetError(env.Error, env.Message); err != nil {
			return nil, err
		}
		var rsp loginResponse
		if err := json.Unmarshal(env.Data, &rsp); err != nil {
			return nil, fmt.Errorf("%w: unable to parse login response: %s", protocol.ErrBadResponse, err)
		}
		if rsp.AccessToken == "" {
			return nil, fmt.Errorf("%w: login response did not include an access token", protocol.ErrBadResponse)
		}
		if rsp.Region != "" {
			region = normalizeRegion(rsp.Region)
			if host, err = HostForRegion(region); err != nil {
				return nil, err
			}
		}
		log.Info("Opened cloud session for %s in region %s", creds.Account(), region)
		return &Session{
			client:      c,
			appID:       creds.AppID,
			host:        host,
			region:      region,
			accessToken: rsp.AccessToken,
			account:     creds.Account(),
			CreatedAt:   time.Now(),
		}, nil
	}
	return nil, protocol.GetError(protocol.CodeWrongRegion, "region redirect loop")
}

// do sends a request and decodes the response envelope. Non-200 HTTP statuses are returned as
// *HttpError; the envelope's error code is left for the caller to interpret.
func (c *Client) do(ctx context.Context, method, url string, header http.Header, body []byte) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: false, PossibleTemporary: false}
	}
	for name, values := range header {
		request.Header[name] = values
	}
	request.Header.Set("User-Agent", c.UserAgent)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	log.Debug("Sending %s request to %s", method, redactURL(url))
	result, err := c.httpClient().Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &protocol.CommandError{Err: err, PossibleSuccess: true, PossibleTemporary: true}
		}
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: false, PossibleTemporary: true}
	}
	defer result.Body.Close()

	reader = &io.LimitedReader{R: result.Body, N: MaxResponseLength + 1}
	respBody, err := io.ReadAll(reader)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: true, PossibleTemporary: false}
	}
	if len(respBody) > MaxResponseLength {
		return nil, protocol.NewError("response exceeds maximum length", true, true)
	}

	log.Debug("Server returned %d: %s: %s", result.StatusCode, http.StatusText(result.StatusCode), respBody)
	if result.StatusCode != http.StatusOK {
		return nil, &HttpError{Code: result.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("%w: unable to parse server response: %s", protocol.ErrBadResponse, err)
	}
	return &env, nil
}

// redactURL drops query strings, which may carry device identifiers, from debug output.
func redactURL(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
