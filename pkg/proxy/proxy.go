package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowrelay/ewelink-command/internal/log"
	"github.com/flowrelay/ewelink-command/internal/metrics"
	"github.com/flowrelay/ewelink-command/pkg/node"
	"github.com/flowrelay/ewelink-command/pkg/protocol"
)

const (
	DefaultTimeout       = 10 * time.Second
	maxRequestBodyBytes  = 64 * 1024
	relayProtocolVersion = "ewelink-relay/1.0.0"
)

var (
	errMissingToken = errors.New("client did not provide a bearer token")
	errNodeDenied   = errors.New("token does not grant access to this node")
)

// Nodes is the set of command nodes exposed by a Proxy. [flow.Runtime] implements it.
type Nodes interface {
	Names() []string
	Node(name string) (*node.CommandNode, bool)
}

// Claims are the JWT claims accepted from clients. A token with a non-empty Nodes list may only
// invoke the nodes it names.
type Claims struct {
	Nodes []string `json:"nodes,omitempty"`
	jwt.RegisteredClaims
}

// Proxy exposes an HTTP API for invoking command nodes.
type Proxy struct {
	Timeout time.Duration

	nodes  Nodes
	secret []byte
	mux    *http.ServeMux
}

// New creates an HTTP relay for nodes.
//
// If jwtSecret is non-empty, requests under /api/ must carry an HS256 bearer token signed with it.
// The /metrics endpoint is never authenticated.
func New(nodes Nodes, jwtSecret []byte) *Proxy {
	metrics.Register()
	p := &Proxy{
		Timeout: DefaultTimeout,
		nodes:   nodes,
		secret:  jwtSecret,
		mux:     http.NewServeMux(),
	}
	p.mux.HandleFunc("GET /api/1/nodes", p.withAuth(p.handleListNodes))
	p.mux.HandleFunc("POST /api/1/nodes/{name}/input", p.withAuth(p.handleInput))
	p.mux.Handle("GET /metrics", promhttp.Handler())
	return p
}

// Response contains a server's response to a client request.
type Response struct {
	Response   interface{} `json:"response,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrDetails string      `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		log.Error("Error serializing reply %+v: %s", body, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := Response{Error: http.StatusText(code)}
	if err != nil {
		reply.ErrDetails = err.Error()
	}
	log.Error("Returning error %s: %s", http.StatusText(code), reply.ErrDetails)
	writeJSON(w, code, &reply)
}

// statusForError maps a node failure to the status code returned to the client.
func statusForError(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case protocol.Temporary(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (p *Proxy) parseToken(req *http.Request) (*Claims, error) {
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, errMissingToken
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(token *jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (p *Proxy) withAuth(handler func(http.ResponseWriter, *http.Request, *Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if len(p.secret) == 0 {
			handler(w, req, nil)
			return
		}
		claims, err := p.parseToken(req)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err)
			return
		}
		handler(w, req, claims)
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Info("Received %s request for %s", req.Method, req.URL.Path)
	w.Header().Set("Server", relayProtocolVersion)
	p.mux.ServeHTTP(w, req)
}

func (p *Proxy) handleListNodes(w http.ResponseWriter, req *http.Request, claims *Claims) {
	names := p.nodes.Names()
	if claims != nil && len(claims.Nodes) > 0 {
		names = slices.DeleteFunc(names, func(name string) bool {
			return !slices.Contains(claims.Nodes, name)
		})
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, &Response{Response: names})
}

func (p *Proxy) handleInput(w http.ResponseWriter, req *http.Request, claims *Claims) {
	name := req.PathValue("name")
	n, ok := p.nodes.Node(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("no node named '%s'", name))
		return
	}
	if claims != nil && len(claims.Nodes) > 0 && !slices.Contains(claims.Nodes, name) {
		writeJSONError(w, http.StatusForbidden, errNodeDenied)
		return
	}

	msg, err := readMessage(w, req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), p.Timeout)
	defer cancel()

	log.Debug("Invoking node %s", name)
	outcome, err := n.Process(ctx, msg)
	if err != nil {
		writeJSONError(w, statusForError(err), err)
		return
	}
	if !outcome.Emitted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, outcome.Message)
}

// readMessage decodes the request body into a message. An empty body is an empty message.
func readMessage(w http.ResponseWriter, req *http.Request) (node.Message, error) {
	var msg node.Message
	defer req.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBodyBytes))
	if err != nil {
		return msg, fmt.Errorf("could not read request body: %s", err)
	}
	if len(body) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("could not parse JSON body: %s", err)
	}
	return msg, nil
}
