package flow

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowrelay/ewelink-command/pkg/ewelink"
)

var (
	ErrNoNodes        = errors.New("flow defines no nodes")
	ErrDuplicateNode  = errors.New("duplicate node name")
	ErrInvalidName    = errors.New("node names must be non-empty and must not contain '/'")
	ErrUnknownAccount = errors.New("node references undefined credentials")
)

// Definition describes a flow: named credentials entries and the command nodes that use them.
type Definition struct {
	Credentials map[string]ewelink.Credentials `yaml:"credentials"`
	Nodes       []NodeDefinition               `yaml:"nodes"`
	// MaxSessions bounds the number of cached cloud sessions. Zero means unbounded.
	MaxSessions int `yaml:"max_sessions"`
	// ConnectTimeout bounds each login. Zero uses the cache's default.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type NodeDefinition struct {
	Name        string        `yaml:"name"`
	Credentials string        `yaml:"credentials"`
	DeviceID    string        `yaml:"device_id"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Load parses and validates a YAML flow definition. Unknown keys are rejected.
func Load(r io.Reader) (*Definition, error) {
	var def Definition
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoNodes
		}
		return nil, fmt.Errorf("could not parse flow: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads a flow definition from path.
func LoadFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	def, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Validate checks that node names are unique and that every node refers to a valid credentials
// entry.
func (d *Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return ErrNoNodes
	}
	if d.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative")
	}
	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.Name == "" || strings.Contains(n.Name, "/") {
			return fmt.Errorf("%w: '%s'", ErrInvalidName, n.Name)
		}
		if seen[n.Name] {
			return fmt.Errorf("%w: '%s'", ErrDuplicateNode, n.Name)
		}
		seen[n.Name] = true
		creds, ok := d.Credentials[n.Credentials]
		if !ok {
			return fmt.Errorf("%w: node '%s' uses '%s'", ErrUnknownAccount, n.Name, n.Credentials)
		}
		if err := creds.Validate(); err != nil {
			return fmt.Errorf("credentials '%s': %w", n.Credentials, err)
		}
	}
	return nil
}
