package raft

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ClusterConfig describes a static cluster topology for standalone TCP-mode
// deployments. The line-JSON harness mode needs none of this, since
// identity and peers arrive over the wire via raft_init.
type ClusterConfig struct {
	Node    NodeConfig      `yaml:"node"`
	Cluster ClusterTopology `yaml:"cluster"`
}

// NodeConfig is this node's own identity and listen address.
type NodeConfig struct {
	ID      PeerID `yaml:"id"`
	Address string `yaml:"address"`
}

// ClusterTopology is the full set of peers, including this node.
type ClusterTopology struct {
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig is one member of the cluster topology.
type PeerConfig struct {
	ID      PeerID `yaml:"id"`
	Address string `yaml:"address"`
}

// LoadClusterConfig reads and validates a YAML cluster manifest.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("raft: failed to read cluster config: %w", err)
	}

	var cfg ClusterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("raft: failed to parse cluster config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("raft: invalid cluster config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the manifest is internally consistent: the node appears
// in its own peer list, peer IDs are unique, and every address is set.
func (c *ClusterConfig) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}
	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	found := false
	seen := make(map[PeerID]bool, len(c.Cluster.Peers))
	for _, p := range c.Cluster.Peers {
		if p.Address == "" {
			return fmt.Errorf("peer %q: address is required", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer id: %s", p.ID)
		}
		seen[p.ID] = true

		if p.ID == c.Node.ID {
			found = true
			if p.Address != c.Node.Address {
				return fmt.Errorf("node address mismatch: node.address=%s but peer address=%s",
					c.Node.Address, p.Address)
			}
		}
	}
	if !found {
		return fmt.Errorf("node.id=%s not found in cluster.peers", c.Node.ID)
	}

	return nil
}

// PeerAddresses returns every peer's TCP address, excluding this node, keyed
// by PeerID — the map TCPTransport needs for dialing.
func (c *ClusterConfig) PeerAddresses() map[PeerID]string {
	addrs := make(map[PeerID]string, len(c.Cluster.Peers)-1)
	for _, p := range c.Cluster.Peers {
		if p.ID != c.Node.ID {
			addrs[p.ID] = p.Address
		}
	}
	return addrs
}

// NodeIDs returns every node id in the cluster, including this node.
func (c *ClusterConfig) NodeIDs() []PeerID {
	ids := make([]PeerID, len(c.Cluster.Peers))
	for i, p := range c.Cluster.Peers {
		ids[i] = p.ID
	}
	return ids
}
