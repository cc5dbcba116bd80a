// Package registry holds the static node registry for a peer mesh and
// resolves the local node for the active network.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Sentinel errors
var (
	ErrUnsupportedNetwork = errors.New("peermesh: unsupported network")
	ErrInvalidRegistry    = errors.New("peermesh: invalid registry")
	ErrInvalidAddress     = errors.New("peermesh: invalid address")
	ErrNodeNotFound       = errors.New("peermesh: node not found")
)

// Node is one participating chain in the mesh.
type Node struct {
	Name     string  `json:"name" yaml:"name" validate:"required"`
	Endpoint Address `json:"endpoint" yaml:"endpoint" validate:"required"`
	// EID is the identifier the messaging layer uses to address this chain.
	EID uint32 `json:"eid" yaml:"eid" validate:"required"`
	// ChainID is the EVM chain id. Zero for nodes that are never local
	// (non-EVM chains).
	ChainID uint64 `json:"chainId,omitempty" yaml:"chainId,omitempty"`
}

// Topology is the result of resolving the local node against a registry.
type Topology struct {
	Local   Node
	Remotes []Node
}

// Registry is an ordered, validated set of nodes. It must not be mutated
// after construction.
type Registry struct {
	nodes  []Node
	byName map[string]int
}

// file is the on-disk registry layout.
type file struct {
	Nodes []Node `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
}

var validate = validator.New()

// New builds a registry from nodes, validating each node and the uniqueness
// of names, EIDs and non-zero chain ids.
func New(nodes ...Node) (*Registry, error) {
	if err := validate.Struct(file{Nodes: nodes}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}

	r := &Registry{
		nodes:  make([]Node, len(nodes)),
		byName: make(map[string]int, len(nodes)),
	}
	eids := make(map[uint32]string, len(nodes))
	chains := make(map[uint64]string, len(nodes))

	for i, n := range nodes {
		if len(n.Endpoint) != EVMAddressLength && len(n.Endpoint) != WideAddressLength {
			return nil, fmt.Errorf("%w: node %q endpoint is %d bytes", ErrInvalidRegistry, n.Name, len(n.Endpoint))
		}
		// A zero peer is indistinguishable from an unset one.
		if n.Endpoint.IsZero() {
			return nil, fmt.Errorf("%w: node %q endpoint is the zero address", ErrInvalidRegistry, n.Name)
		}
		if _, dup := r.byName[n.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate node name %q", ErrInvalidRegistry, n.Name)
		}
		if other, dup := eids[n.EID]; dup {
			return nil, fmt.Errorf("%w: eid %d used by %q and %q", ErrInvalidRegistry, n.EID, other, n.Name)
		}
		if n.ChainID != 0 {
			if other, dup := chains[n.ChainID]; dup {
				return nil, fmt.Errorf("%w: chain id %d used by %q and %q", ErrInvalidRegistry, n.ChainID, other, n.Name)
			}
			chains[n.ChainID] = n.Name
		}
		eids[n.EID] = n.Name
		r.byName[n.Name] = i

		n.Endpoint = append(Address(nil), n.Endpoint...)
		r.nodes[i] = n
	}

	return r, nil
}

// Load reads a registry from a YAML (.yaml, .yml) or JSON (.json) file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var f file
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &f)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("%w: unsupported file extension %q", ErrInvalidRegistry, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidRegistry, path, err)
	}

	return New(f.Nodes...)
}

// Resolve maps the active network's chain id to the local node. Every other
// node is returned as a remote, in registry order.
func (r *Registry) Resolve(chainID uint64) (Topology, error) {
	local := -1
	if chainID != 0 {
		for i, n := range r.nodes {
			if n.ChainID == chainID {
				local = i
				break
			}
		}
	}
	if local < 0 {
		return Topology{}, fmt.Errorf("%w: chain id %d is not in the registry", ErrUnsupportedNetwork, chainID)
	}

	topo := Topology{
		Local:   r.nodes[local],
		Remotes: make([]Node, 0, len(r.nodes)-1),
	}
	for i, n := range r.nodes {
		if i != local {
			topo.Remotes = append(topo.Remotes, n)
		}
	}
	return topo, nil
}

// Lookup returns the node with the given name.
func (r *Registry) Lookup(name string) (Node, error) {
	i, ok := r.byName[name]
	if !ok {
		return Node{}, fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	return r.nodes[i], nil
}

// Nodes returns a copy of the registry's nodes in order.
func (r *Registry) Nodes() []Node {
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Len returns the number of nodes.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Links returns the number of directed peer links a complete mesh needs.
func (r *Registry) Links() int {
	n := len(r.nodes)
	return n * (n - 1)
}
