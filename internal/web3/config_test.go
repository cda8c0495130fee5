package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  ethereum:
    chain_id: 1
    rpc_url: https://eth.example.com
    description: mainnet
  polygon:
    chain_id: 137
    rpc_url: https://polygon.example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains file: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(defs.Chains))
	}
	if defs.Chains["ethereum"].ChainID != 1 {
		t.Fatalf("unexpected ethereum chain id %d", defs.Chains["ethereum"].ChainID)
	}
	if defs.Chains["polygon"].RPCURL != "https://polygon.example.com" {
		t.Fatalf("unexpected polygon rpc url %q", defs.Chains["polygon"].RPCURL)
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("load empty path: %v", err)
	}
	if len(defs.Chains) != 0 {
		t.Fatalf("expected empty registry, got %d chains", len(defs.Chains))
	}
}

func TestLoadChainDefinitionsRejectsMissingFields(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"missing chain id": `chains:
  broken:
    rpc_url: https://rpc.example.com
`,
		"missing rpc url": `chains:
  broken:
    chain_id: 56
`,
	}
	for name, content := range cases {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write chains file: %v", err)
		}
		if _, err := LoadChainDefinitions(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
