package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/duniter-go/gonode/strategy"
	"github.com/duniter-go/gonode/wot"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// Founder describes one identity seeded directly into the root block,
// bypassing the normal newcomer-admission pipeline.
type Founder struct {
	Uid    string `json:"uid"`
	Pubkey string `json:"pubkey"`
}

// GenesisConfig describes the chain's initial WoT and protocol state.
type GenesisConfig struct {
	Currency   string          `json:"currency"`
	Founders   []Founder       `json:"founders"`   // seeded directly into block #0
	Parameters *wot.Parameters `json:"parameters"` // protocol constants pinned at block #0
}

// Config holds all node configuration.
type Config struct {
	NodeID      string  `json:"node_id"`
	DataDir     string  `json:"data_dir"`
	RPCPort     int     `json:"rpc_port"`
	P2PPort     int     `json:"p2p_port"`
	MaxBlockTxs int     `json:"max_block_txs"` // not read by any component: blocks are not capped
	Window      int     `json:"window"`        // fork-tree sliding-window depth before promotion
	Strategy    string  `json:"strategy"`      // newcomer-admission strategy name
	Participate bool    `json:"participate"`   // whether this node assembles and mines blocks
	CPUFraction float64 `json:"cpu_fraction"`  // 0 < f <= 1, PoW CPU budget

	Genesis      GenesisConfig `json:"genesis"`
	SeedPeers    []SeedPeer    `json:"seed_peers,omitempty"`      // initial peers to connect to
	TLS          *TLSConfig    `json:"tls,omitempty"`             // nil → plain TCP
	RPCAuthToken string        `json:"rpc_auth_token,omitempty"`  // empty → no auth
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "node0",
		DataDir:     "./data",
		RPCPort:     8545,
		P2PPort:     30303,
		MaxBlockTxs: 500,
		Window:      3,
		Strategy:    strategy.Automatic,
		Participate: true,
		CPUFraction: 0.7,
		Genesis: GenesisConfig{
			Currency:   "gonode-dev",
			Parameters: wot.DefaultParameters(),
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.Currency == "" {
		return fmt.Errorf("genesis.currency must not be empty")
	}
	if c.Genesis.Parameters == nil {
		return fmt.Errorf("genesis.parameters must be set")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if c.Window < 0 {
		return fmt.Errorf("window must be >= 0, got %d", c.Window)
	}
	if c.CPUFraction <= 0 || c.CPUFraction > 1 {
		return fmt.Errorf("cpu_fraction must be in (0, 1], got %v", c.CPUFraction)
	}
	if _, err := strategy.Get(c.Strategy); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	for i, f := range c.Genesis.Founders {
		if f.Uid == "" || f.Pubkey == "" {
			return fmt.Errorf("genesis.founders[%d]: uid and pubkey are required", i)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
