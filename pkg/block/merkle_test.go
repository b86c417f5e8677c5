package block

import (
	"testing"

	"github.com/tessera-net/tessera-chain/pkg/crypto"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

func TestComputeTxRoot(t *testing.T) {
	h1 := crypto.Hash([]byte("tx1"))
	h2 := crypto.Hash([]byte("tx2"))
	h3 := crypto.Hash([]byte("tx3"))

	t.Run("empty", func(t *testing.T) {
		if got := ComputeTxRoot(nil); !got.IsZero() {
			t.Errorf("ComputeTxRoot(nil) = %s, want zero hash", got)
		}
	})

	t.Run("single", func(t *testing.T) {
		if got := ComputeTxRoot([]types.Hash{h1}); got != h1 {
			t.Errorf("ComputeTxRoot([h1]) = %s, want %s", got, h1)
		}
	})

	t.Run("pair", func(t *testing.T) {
		want := crypto.HashConcat(h1, h2)
		if got := ComputeTxRoot([]types.Hash{h1, h2}); got != want {
			t.Errorf("ComputeTxRoot([h1,h2]) = %s, want %s", got, want)
		}
	})

	t.Run("odd duplicates last", func(t *testing.T) {
		want := crypto.HashConcat(crypto.HashConcat(h1, h2), crypto.HashConcat(h3, h3))
		if got := ComputeTxRoot([]types.Hash{h1, h2, h3}); got != want {
			t.Errorf("ComputeTxRoot([h1,h2,h3]) = %s, want %s", got, want)
		}
	})

	t.Run("order dependent", func(t *testing.T) {
		a := ComputeTxRoot([]types.Hash{h1, h2})
		b := ComputeTxRoot([]types.Hash{h2, h1})
		if a == b {
			t.Error("root should depend on transaction order")
		}
	})

	t.Run("input not mutated", func(t *testing.T) {
		in := []types.Hash{h1, h2, h3}
		ComputeTxRoot(in)
		if in[0] != h1 || in[1] != h2 || in[2] != h3 {
			t.Error("input slice was mutated")
		}
	})
}
