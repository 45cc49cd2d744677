package ewelink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowrelay/ewelink-command/pkg/protocol"
)

// itemTypeDevice selects user-owned devices (as opposed to groups) in thing queries.
const itemTypeDevice = "1"

// Session is an authenticated handle to the eWeLink cloud. Sessions are read-only after creation
// and may be shared between goroutines.
type Session struct {
	CreatedAt time.Time

	client      *Client
	appID       string
	host        string
	region      string
	account     string
	accessToken string
}

// Region returns the region whose API host the session talks to.
func (s *Session) Region() string {
	return s.region
}

// Account returns the email address or phone number the session authenticated.
func (s *Session) Account() string {
	return s.account
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s@%s)", s.account, s.region)
}

// GetCurrentState fetches the reported parameters of a device, such as its current temperature,
// humidity, or switch positions.
//
// The deviceID is sent as given, even if empty; the cloud decides whether it's valid.
func (s *Session) GetCurrentState(ctx context.Context, deviceID string) (*structpb.Struct, error) {
	query := url.Values{}
	query.Set("type", itemTypeDevice)
	query.Set("id", deviceID)
	if len(s.client.StateParams) > 0 {
		query.Set("params", strings.Join(s.client.StateParams, "|"))
	}
	header := http.Header{}
	header.Set("X-CK-Appid", s.appID)
	header.Set("Authorization", "Bearer "+s.accessToken)

	env, err := s.client.do(ctx, http.MethodGet, fmt.Sprintf("https://%s/%s?%s", s.host, stateEndpoint, query.Encode()), header, nil)
	if err != nil {
		return nil, err
	}
	if err := protocol.GetError(env.Error, env.Message); err != nil {
		return nil, err
	}

	var data struct {
		Params json.RawMessage `json:"params"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: unable to parse device state: %s", protocol.ErrBadResponse, err)
		}
	}
	state := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if len(data.Params) > 0 && string(data.Params) != "null" {
		if err := protojson.Unmarshal(data.Params, state); err != nil {
			return nil, fmt.Errorf("%w: unable to parse device state: %s", protocol.ErrBadResponse, err)
		}
	}
	return state, nil
}
