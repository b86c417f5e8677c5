package config

import (
	"path/filepath"
	"testing"
)

func TestGenesisValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Genesis)
		wantErr bool
	}{
		{name: "mainnet defaults", mutate: func(g *Genesis) {}, wantErr: false},
		{name: "missing chain id", mutate: func(g *Genesis) { g.ChainID = "" }, wantErr: true},
		{name: "missing timestamp", mutate: func(g *Genesis) { g.Timestamp = 0 }, wantErr: true},
		{name: "zero difficulty", mutate: func(g *Genesis) { g.InitialDifficulty = 0 }, wantErr: true},
		{name: "missing miner", mutate: func(g *Genesis) { g.Miner = "" }, wantErr: true},
		{name: "bad miner key", mutate: func(g *Genesis) { g.Miner = "zz" }, wantErr: true},
		{
			name: "bad alloc key",
			mutate: func(g *Genesis) {
				g.Alloc = map[string]uint64{"not-a-pubkey": 100}
			},
			wantErr: true,
		},
		{
			name: "alloc exceeds max supply",
			mutate: func(g *Genesis) {
				g.Alloc = map[string]uint64{
					"02a0c947f4172b797e8e0ff857a12cc5b34fbeae484dcd9737be0cbcbfd6fd99ab": MaxSupply,
					"03a0c947f4172b797e8e0ff857a12cc5b34fbeae484dcd9737be0cbcbfd6fd99ab": 1,
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := MainnetGenesis()
			tt.mutate(g)
			err := g.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenesisHashStable(t *testing.T) {
	h1, err := MainnetGenesis().Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := MainnetGenesis().Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Error("genesis hash not stable")
	}

	ht, err := TestnetGenesis().Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if ht == h1 {
		t.Error("mainnet and testnet genesis hashes should differ")
	}
}

func TestGenesisSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.json")

	g := TestnetGenesis()
	if err := g.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}
	if loaded.ChainID != g.ChainID {
		t.Errorf("ChainID = %q, want %q", loaded.ChainID, g.ChainID)
	}
	if loaded.InitialDifficulty != g.InitialDifficulty {
		t.Errorf("InitialDifficulty = %d, want %d", loaded.InitialDifficulty, g.InitialDifficulty)
	}
}

func TestDefaultsPerNetwork(t *testing.T) {
	m := Default(Mainnet)
	tn := Default(Testnet)

	if m.P2P.Port == tn.P2P.Port {
		t.Error("mainnet and testnet should use different p2p ports")
	}
	if m.RPC.Port == tn.RPC.Port {
		t.Error("mainnet and testnet should use different rpc ports")
	}
	if err := Validate(m); err != nil {
		t.Errorf("mainnet defaults invalid: %v", err)
	}
	if err := Validate(tn); err != nil {
		t.Errorf("testnet defaults invalid: %v", err)
	}
}
