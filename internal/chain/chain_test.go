package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/internal/consensus"
	"github.com/tessera-net/tessera-chain/internal/storage"
	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/crypto"
	"github.com/tessera-net/tessera-chain/pkg/tx"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Tests run on the testnet genesis: initial difficulty 1, so any
// header hash satisfies the proof of work and the retarget stays at 1
// (the per-step adjustment 1/2048 truncates to zero).

func testMiner(b byte) types.PublicKey {
	var pk types.PublicKey
	pk[0] = 0x02
	pk[1] = b
	return pk
}

func newTestChain(t *testing.T, genesis *config.Genesis) *Chain {
	t.Helper()
	c, err := NewChain(storage.NewMemory(), genesis, nil)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	return c
}

func testGenesis() *config.Genesis {
	return config.TestnetGenesis()
}

// buildBlock assembles a block on the given tips. Heights come from
// the chain's metadata; difficulty is always 1 on a testnet chain.
func buildBlock(t *testing.T, c *Chain, tips []types.Hash, timestamp uint64, miner types.PublicKey, txs []*tx.Transaction) *block.Block {
	t.Helper()
	var height uint64
	for _, tip := range tips {
		m, ok := c.GetMeta(tip)
		if !ok {
			t.Fatalf("buildBlock: unknown tip %s", tip)
		}
		if m.Height >= height {
			height = m.Height
		}
	}
	height++

	header := &block.Header{
		Version:    config.BlockVersion,
		Height:     height,
		Timestamp:  timestamp,
		Tips:       tips,
		TxRoot:     block.ComputeTxRoot(txHashes(txs)),
		Miner:      miner,
		Difficulty: 1,
	}
	return block.NewBlock(header, txs)
}

func mustAdd(t *testing.T, c *Chain, blk *block.Block) {
	t.Helper()
	if err := c.AddBlock(blk); err != nil {
		t.Fatalf("AddBlock height %d: %v", blk.Header.Height, err)
	}
}

// extendLinear appends n blocks on top of the single current tip and
// returns the hashes added, oldest first.
func extendLinear(t *testing.T, c *Chain, n int, miner types.PublicKey) []types.Hash {
	t.Helper()
	hashes := make([]types.Hash, 0, n)
	for i := 0; i < n; i++ {
		tips := c.Tips()
		if len(tips) != 1 {
			t.Fatalf("extendLinear: %d tips, want 1", len(tips))
		}
		m, _ := c.GetMeta(tips[0])
		blk := buildBlock(t, c, tips, m.Timestamp+config.BlockTimeMillis, miner, nil)
		mustAdd(t, c, blk)
		hashes = append(hashes, blk.Hash())
	}
	return hashes
}

func TestGenesisInit(t *testing.T) {
	c := newTestChain(t, testGenesis())

	if got := c.Height(); got != 0 {
		t.Errorf("Height() = %d, want 0", got)
	}
	if got := c.TopoHeight(); got != 0 {
		t.Errorf("TopoHeight() = %d, want 0", got)
	}
	tips := c.Tips()
	if len(tips) != 1 || tips[0] != c.GenesisHash() {
		t.Errorf("Tips() = %v, want [genesis]", tips)
	}
	m, ok := c.GetMeta(c.GenesisHash())
	if !ok {
		t.Fatal("genesis meta missing")
	}
	if m.Status != StatusSync || !m.Ordered || m.TopoHeight != 0 {
		t.Errorf("genesis meta = %+v, want ordered sync at topo 0", m)
	}
}

func TestLinearChainFinalization(t *testing.T) {
	c := newTestChain(t, testGenesis())
	extendLinear(t, c, 19, testMiner(1))

	if got := c.Height(); got != 19 {
		t.Errorf("Height() = %d, want 19", got)
	}
	if got := c.TopoHeight(); got != 19 {
		t.Errorf("TopoHeight() = %d, want 19", got)
	}
	if got := c.StableHeight(); got != 11 {
		t.Errorf("StableHeight() = %d, want 11", got)
	}

	order := c.OrderRange(0, 19)
	if len(order) != 20 {
		t.Fatalf("OrderRange returned %d blocks, want 20", len(order))
	}

	// Topo 0 through 11 are below the stability window and must be
	// finalized with full sync rewards; 12 onward must not be.
	var supply uint64
	for topo := uint64(0); topo <= 11; topo++ {
		want := BaseReward(supply)
		supply += want
		got, ok := c.Reward(order[topo])
		if !ok {
			t.Fatalf("topo %d: no reward recorded", topo)
		}
		if got != want {
			t.Errorf("topo %d: reward = %d, want %d", topo, got, want)
		}
		m, _ := c.GetMeta(order[topo])
		if !m.Finalized {
			t.Errorf("topo %d: not finalized", topo)
		}
	}
	for topo := uint64(12); topo <= 19; topo++ {
		if _, ok := c.Reward(order[topo]); ok {
			t.Errorf("topo %d: reward recorded before finality", topo)
		}
	}

	if got := c.Supply(); got != supply {
		t.Errorf("Supply() = %d, want %d", got, supply)
	}
	if got, ok := c.SupplyAt(11); !ok || got != supply {
		t.Errorf("SupplyAt(11) = %d,%v, want %d", got, ok, supply)
	}
}

func TestSideBlockOrderingAndReward(t *testing.T) {
	c := newTestChain(t, testGenesis())
	chain := extendLinear(t, c, 4, testMiner(1))
	parent := chain[len(chain)-1] // height 4
	pm, _ := c.GetMeta(parent)

	// Two competing blocks at height 5 with equal cumulative
	// difficulty. The lower hash wins the sync position.
	x := buildBlock(t, c, []types.Hash{parent}, pm.Timestamp+config.BlockTimeMillis, testMiner(2), nil)
	y := buildBlock(t, c, []types.Hash{parent}, pm.Timestamp+config.BlockTimeMillis+1, testMiner(3), nil)
	mustAdd(t, c, x)
	mustAdd(t, c, y)

	mx, _ := c.GetMeta(x.Hash())
	my, _ := c.GetMeta(y.Hash())
	if !mx.Ordered || !my.Ordered {
		t.Fatal("both height-5 blocks should be ordered")
	}
	wantSync, wantSide := mx, my
	if my.Hash.Compare(mx.Hash) < 0 {
		wantSync, wantSide = my, mx
	}
	if wantSync.Status != StatusSync {
		t.Errorf("lower-hash block status = %v, want sync", wantSync.Status)
	}
	if wantSide.Status != StatusSide {
		t.Errorf("higher-hash block status = %v, want side", wantSide.Status)
	}
	if wantSide.TopoHeight != wantSync.TopoHeight+1 {
		t.Errorf("side topo = %d, sync topo = %d, want consecutive", wantSide.TopoHeight, wantSync.TopoHeight)
	}

	// Merge the fork and extend far enough to finalize both.
	merge := buildBlock(t, c, []types.Hash{x.Hash(), y.Hash()}, pm.Timestamp+2*config.BlockTimeMillis, testMiner(1), nil)
	mustAdd(t, c, merge)
	extendLinear(t, c, 10, testMiner(1))

	// Replay the emission over the canonical order and check the
	// side block earned the reduced percentage.
	order := c.OrderRange(0, c.TopoHeight())
	var supply uint64
	for topo := uint64(0); topo+config.StableHeightLimit < uint64(len(order)); topo++ {
		m, _ := c.GetMeta(order[topo])
		want := BaseReward(supply)
		if m.Status == StatusSide {
			want = want * config.SideBlockRewardPercent / 100
		}
		supply += want
		got, ok := c.Reward(order[topo])
		if !ok {
			t.Fatalf("topo %d: no reward recorded", topo)
		}
		if got != want {
			t.Errorf("topo %d (%v): reward = %d, want %d", topo, m.Status, got, want)
		}
	}
	sideReward, ok := c.Reward(wantSide.Hash)
	if !ok {
		t.Fatal("side block not finalized")
	}
	syncReward, _ := c.Reward(wantSync.Hash)
	if sideReward >= syncReward {
		t.Errorf("side reward %d should be below sync reward %d", sideReward, syncReward)
	}
}

func TestFinalityViolation(t *testing.T) {
	c := newTestChain(t, testGenesis())
	chain := extendLinear(t, c, 12, testMiner(1))

	// A block building on height 3 while the top is at 12 reaches
	// below the stability window.
	old := chain[2] // height 3
	om, _ := c.GetMeta(old)
	blk := buildBlock(t, c, []types.Hash{old}, om.Timestamp+config.BlockTimeMillis, testMiner(2), nil)

	err := c.AddBlock(blk)
	if !errors.Is(err, ErrFinalityViolation) {
		t.Fatalf("AddBlock = %v, want ErrFinalityViolation", err)
	}

	// The block is kept for provenance but never ordered.
	m, ok := c.GetMeta(blk.Hash())
	if !ok {
		t.Fatal("rejected block should still be answerable by hash")
	}
	if m.Status != StatusOrphaned || m.Ordered {
		t.Errorf("meta = %+v, want unordered orphan", m)
	}
	for _, hash := range c.OrderRange(0, c.TopoHeight()) {
		if hash == blk.Hash() {
			t.Fatal("rejected block appeared in the canonical order")
		}
	}

	// Building on the boundary itself (top height minus the limit)
	// is still allowed.
	boundary := chain[3] // height 4, top 12, depth exactly at the limit
	bm, _ := c.GetMeta(boundary)
	ok2 := buildBlock(t, c, []types.Hash{boundary}, bm.Timestamp+config.BlockTimeMillis, testMiner(3), nil)
	if err := c.AddBlock(ok2); err != nil {
		t.Fatalf("AddBlock at window boundary: %v", err)
	}
}

func TestTipLimitRejectedBeforeState(t *testing.T) {
	c := newTestChain(t, testGenesis())
	extendLinear(t, c, 3, testMiner(1))
	heightBefore := c.Height()
	topoBefore := c.TopoHeight()

	tips := []types.Hash{
		crypto.Hash([]byte("t1")), crypto.Hash([]byte("t2")),
		crypto.Hash([]byte("t3")), crypto.Hash([]byte("t4")),
	}
	blk := buildBlock(t, c, c.Tips(), 1774742500000, testMiner(2), nil)
	blk.Header.Tips = tips
	blk.Header.Height = 4

	err := c.AddBlock(blk)
	if !errors.Is(err, ErrTipConstraint) {
		t.Fatalf("AddBlock = %v, want ErrTipConstraint", err)
	}
	if c.Height() != heightBefore || c.TopoHeight() != topoBefore {
		t.Error("rejected block mutated chain state")
	}
	if c.HasBlock(blk.Hash()) {
		t.Error("rejected block entered the DAG")
	}
}

func TestTipDifficultyThreshold(t *testing.T) {
	c := newTestChain(t, testGenesis())

	// A long branch and a stub branch from genesis. Genesis depth is
	// exactly the stability limit so the stub itself is accepted, but
	// its cumulative difficulty (2) is far below 91% of the long
	// branch's (9), so merging the two tips is rejected.
	long := extendLinear(t, c, 8, testMiner(1))
	gm, _ := c.GetMeta(c.GenesisHash())
	stub := buildBlock(t, c, []types.Hash{c.GenesisHash()}, gm.Timestamp+1, testMiner(2), nil)
	mustAdd(t, c, stub)

	head := long[len(long)-1]
	hm, _ := c.GetMeta(head)
	merge := buildBlock(t, c, []types.Hash{head, stub.Hash()}, hm.Timestamp+config.BlockTimeMillis, testMiner(3), nil)
	err := c.AddBlock(merge)
	if !errors.Is(err, ErrTipConstraint) {
		t.Fatalf("AddBlock = %v, want ErrTipConstraint", err)
	}
}

func TestAncestorTipRejected(t *testing.T) {
	c := newTestChain(t, testGenesis())
	chain := extendLinear(t, c, 3, testMiner(1))

	// Referencing a block and its own ancestor as tips is a degenerate
	// merge.
	parent, grandparent := chain[2], chain[1]
	pm, _ := c.GetMeta(parent)
	blk := buildBlock(t, c, []types.Hash{parent, grandparent}, pm.Timestamp+config.BlockTimeMillis, testMiner(2), nil)
	if err := c.AddBlock(blk); !errors.Is(err, ErrTipConstraint) {
		t.Fatalf("AddBlock = %v, want ErrTipConstraint", err)
	}
	if c.HasBlock(blk.Hash()) {
		t.Error("rejected block entered the DAG")
	}
}

func TestAddBlockRejections(t *testing.T) {
	c := newTestChain(t, testGenesis())
	extendLinear(t, c, 2, testMiner(1))
	tip := c.Tips()[0]
	tm, _ := c.GetMeta(tip)

	t.Run("known block", func(t *testing.T) {
		blk := buildBlock(t, c, []types.Hash{tip}, tm.Timestamp+config.BlockTimeMillis, testMiner(1), nil)
		mustAdd(t, c, blk)
		if err := c.AddBlock(blk); !errors.Is(err, ErrBlockKnown) {
			t.Errorf("AddBlock = %v, want ErrBlockKnown", err)
		}
	})

	t.Run("missing parent", func(t *testing.T) {
		blk := buildBlock(t, c, c.Tips(), tm.Timestamp+2*config.BlockTimeMillis, testMiner(1), nil)
		blk.Header.Tips = []types.Hash{crypto.Hash([]byte("nowhere"))}
		if err := c.AddBlock(blk); !errors.Is(err, ErrMissingParent) {
			t.Errorf("AddBlock = %v, want ErrMissingParent", err)
		}
	})

	t.Run("wrong height", func(t *testing.T) {
		blk := buildBlock(t, c, c.Tips(), tm.Timestamp+2*config.BlockTimeMillis, testMiner(1), nil)
		blk.Header.Height += 5
		if err := c.AddBlock(blk); !errors.Is(err, ErrInvalidHeight) {
			t.Errorf("AddBlock = %v, want ErrInvalidHeight", err)
		}
	})

	t.Run("timestamp before parent", func(t *testing.T) {
		blk := buildBlock(t, c, c.Tips(), 1, testMiner(1), nil)
		if err := c.AddBlock(blk); !errors.Is(err, ErrTimestampBeforeParent) {
			t.Errorf("AddBlock = %v, want ErrTimestampBeforeParent", err)
		}
	})

	t.Run("wrong difficulty", func(t *testing.T) {
		tip := c.Tips()[0]
		m, _ := c.GetMeta(tip)
		blk := buildBlock(t, c, []types.Hash{tip}, m.Timestamp+config.BlockTimeMillis, testMiner(1), nil)
		blk.Header.Difficulty = 2
		// Mine so the proof of work passes at the claimed difficulty
		// and the difficulty check itself is what rejects.
		for consensus.VerifyPoW(blk.Header) != nil {
			blk.Header.Nonce++
		}
		if err := c.AddBlock(blk); !errors.Is(err, ErrDifficultyMismatch) {
			t.Errorf("AddBlock = %v, want ErrDifficultyMismatch", err)
		}
	})
}

func TestOrderDeterminism(t *testing.T) {
	// Build the same fork-and-merge DAG into two chains with
	// different valid insertion orders and require identical
	// canonical orders.
	build := func(insertSecondForkFirst bool) []types.Hash {
		c := newTestChain(t, testGenesis())
		g := c.GenesisHash()
		gm, _ := c.GetMeta(g)
		base := gm.Timestamp

		a1 := buildBlock(t, c, []types.Hash{g}, base+15000, testMiner(1), nil)
		b1 := buildBlock(t, c, []types.Hash{g}, base+15001, testMiner(2), nil)
		if insertSecondForkFirst {
			mustAdd(t, c, b1)
			mustAdd(t, c, a1)
		} else {
			mustAdd(t, c, a1)
			mustAdd(t, c, b1)
		}
		merge := buildBlock(t, c, []types.Hash{a1.Hash(), b1.Hash()}, base+45000, testMiner(3), nil)
		mustAdd(t, c, merge)
		tail := buildBlock(t, c, []types.Hash{merge.Hash()}, base+60000, testMiner(1), nil)
		mustAdd(t, c, tail)

		return c.OrderRange(0, c.TopoHeight())
	}

	first := build(false)
	second := build(true)
	if len(first) != len(second) {
		t.Fatalf("order lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("topo %d differs: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestLighterTipBranchStaysOrdered(t *testing.T) {
	c := newTestChain(t, testGenesis())
	g := c.GenesisHash()
	gm, _ := c.GetMeta(g)
	base := gm.Timestamp

	// Two branches from genesis. A lighter branch whose tip is still
	// in the tip set stays ordered as a side branch; only blocks that
	// fall out of the reachable set get orphaned.
	a1 := buildBlock(t, c, []types.Hash{g}, base+15000, testMiner(1), nil)
	b1 := buildBlock(t, c, []types.Hash{g}, base+15001, testMiner(2), nil)
	mustAdd(t, c, a1)
	mustAdd(t, c, b1)

	// Both are tips: both stay ordered.
	ma, _ := c.GetMeta(a1.Hash())
	mb, _ := c.GetMeta(b1.Hash())
	if !ma.Ordered || !mb.Ordered {
		t.Fatal("both branches should be ordered while both are tips")
	}

	// Extending A does not unorder B while B remains a tip.
	a2 := buildBlock(t, c, []types.Hash{a1.Hash()}, base+30000, testMiner(1), nil)
	mustAdd(t, c, a2)
	mb, _ = c.GetMeta(b1.Hash())
	if !mb.Ordered {
		t.Error("tip branch should remain ordered")
	}
	if mb.Status != StatusSide {
		t.Errorf("lighter height-1 branch status = %v, want side", mb.Status)
	}
}

func TestRestartRecovery(t *testing.T) {
	db := storage.NewMemory()
	genesis := testGenesis()

	c1, err := NewChain(db, genesis, nil)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	for i := 0; i < 12; i++ {
		tips := c1.Tips()
		m, _ := c1.GetMeta(tips[0])
		blk := buildBlock(t, c1, tips, m.Timestamp+config.BlockTimeMillis, testMiner(1), nil)
		mustAdd(t, c1, blk)
	}

	c2, err := NewChain(db, genesis, nil)
	if err != nil {
		t.Fatalf("NewChain reopen: %v", err)
	}

	if c2.Height() != c1.Height() {
		t.Errorf("Height after restart = %d, want %d", c2.Height(), c1.Height())
	}
	if c2.TopoHeight() != c1.TopoHeight() {
		t.Errorf("TopoHeight after restart = %d, want %d", c2.TopoHeight(), c1.TopoHeight())
	}
	if c2.Supply() != c1.Supply() {
		t.Errorf("Supply after restart = %d, want %d", c2.Supply(), c1.Supply())
	}
	o1 := c1.OrderRange(0, c1.TopoHeight())
	o2 := c2.OrderRange(0, c2.TopoHeight())
	for i := range o1 {
		if o1[i] != o2[i] {
			t.Fatalf("order differs at topo %d after restart", i)
		}
	}
	t1, t2 := c1.Tips(), c2.Tips()
	if fmt.Sprint(t1) != fmt.Sprint(t2) {
		t.Errorf("tips after restart = %v, want %v", t2, t1)
	}
}

func TestTransactionFinalization(t *testing.T) {
	sender, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	recipient, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	senderPub := sender.PublicKey()
	recipientPub := recipient.PublicKey()

	genesis := testGenesis()
	genesis.Alloc = map[string]uint64{
		senderPub.String(): 1000 * config.Coin,
	}

	c := newTestChain(t, genesis)
	if got := c.Balance(senderPub); got != 1000*config.Coin {
		t.Fatalf("genesis alloc balance = %d, want %d", got, 1000*config.Coin)
	}

	transfer := func(nonce uint64) *tx.Transaction {
		t.Helper()
		b := tx.NewBuilder().
			SetNonce(nonce).
			SetFee(config.MilliCoin).
			AddTransfer(recipientPub, 10*config.Coin)
		if err := b.Sign(sender); err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return b.Build()
	}

	tips := c.Tips()
	m, _ := c.GetMeta(tips[0])
	blk := buildBlock(t, c, tips, m.Timestamp+config.BlockTimeMillis, testMiner(9),
		[]*tx.Transaction{transfer(0)})
	mustAdd(t, c, blk)

	// Not finalized yet: ledger untouched.
	if got := c.Balance(recipientPub); got != 0 {
		t.Fatalf("recipient balance before finality = %d, want 0", got)
	}

	extendLinear(t, c, 9, testMiner(1))

	// The tx block sits at topo 1, finalized once topo reaches 9.
	if got := c.Balance(recipientPub); got != 10*config.Coin {
		t.Errorf("recipient balance = %d, want %d", got, 10*config.Coin)
	}
	wantSender := uint64(1000*config.Coin - 10*config.Coin - config.MilliCoin)
	if got := c.Balance(senderPub); got != wantSender {
		t.Errorf("sender balance = %d, want %d", got, wantSender)
	}
	if got := c.Nonce(senderPub); got != 1 {
		t.Errorf("sender nonce = %d, want 1", got)
	}

	// The miner of the tx block earned its reward plus the fee.
	minerBalance := c.Balance(testMiner(9))
	reward, ok := c.Reward(blk.Hash())
	if !ok {
		t.Fatal("tx block not finalized")
	}
	if minerBalance != reward+config.MilliCoin {
		t.Errorf("miner balance = %d, want reward %d + fee %d", minerBalance, reward, config.MilliCoin)
	}
}

func TestStaleNonceSkipped(t *testing.T) {
	sender, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	senderPub := sender.PublicKey()

	genesis := testGenesis()
	genesis.Alloc = map[string]uint64{senderPub.String(): 100 * config.Coin}
	c := newTestChain(t, genesis)

	b := tx.NewBuilder().SetNonce(5).SetFee(1).AddTransfer(testMiner(4), config.Coin)
	if err := b.Sign(sender); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	stale := b.Build()

	tips := c.Tips()
	m, _ := c.GetMeta(tips[0])
	blk := buildBlock(t, c, tips, m.Timestamp+config.BlockTimeMillis, testMiner(1), []*tx.Transaction{stale})
	mustAdd(t, c, blk)
	extendLinear(t, c, 9, testMiner(1))

	if got := c.Balance(senderPub); got != 100*config.Coin {
		t.Errorf("sender balance = %d, want untouched %d", got, 100*config.Coin)
	}
	if got := c.Nonce(senderPub); got != 0 {
		t.Errorf("sender nonce = %d, want 0", got)
	}
}

func TestBlockTemplate(t *testing.T) {
	c := newTestChain(t, testGenesis())
	extendLinear(t, c, 3, testMiner(1))

	tpl, err := c.BlockTemplate(testMiner(7), nil)
	if err != nil {
		t.Fatalf("BlockTemplate: %v", err)
	}
	if tpl.Header.Height != 4 {
		t.Errorf("template height = %d, want 4", tpl.Header.Height)
	}
	if len(tpl.Header.Tips) != 1 || tpl.Header.Tips[0] != c.Tips()[0] {
		t.Errorf("template tips = %v, want %v", tpl.Header.Tips, c.Tips())
	}
	if tpl.Header.Difficulty != 1 {
		t.Errorf("template difficulty = %d, want 1", tpl.Header.Difficulty)
	}
	if tpl.Header.Miner != testMiner(7) {
		t.Error("template miner mismatch")
	}
	if err := c.AddBlock(tpl); err != nil {
		t.Fatalf("AddBlock(template): %v", err)
	}
}

func TestDAGWindowPruning(t *testing.T) {
	db := storage.NewMemory()
	c, err := NewChain(db, testGenesis(), nil)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	hashes := extendLinear(t, c, 40, testMiner(1))

	// Only the window below the top stays in memory.
	if got := c.dag.Len(); got != int(dagWindow)+1 {
		t.Errorf("dag.Len() = %d, want %d", got, dagWindow+1)
	}
	if c.dag.Has(c.GenesisHash()) {
		t.Error("genesis should be pruned from the in-memory index")
	}

	// Pruned blocks are still fully answerable through the store.
	if !c.HasBlock(c.GenesisHash()) {
		t.Error("HasBlock should find pruned blocks")
	}
	m, ok := c.GetMeta(hashes[0])
	if !ok {
		t.Fatal("GetMeta should fall back to the store")
	}
	if m.Height != 1 || !m.Finalized {
		t.Errorf("meta = %+v, want finalized at height 1", m)
	}
	if got := c.BlocksAtHeight(1); len(got) != 1 || got[0] != hashes[0] {
		t.Errorf("BlocksAtHeight(1) = %v, want [%s]", got, hashes[0])
	}
	if best, ok := c.BestAtHeight(1); !ok || best != hashes[0] {
		t.Errorf("BestAtHeight(1) = %s,%v, want %s", best, ok, hashes[0])
	}

	// Resubmitting an ancient block is still a duplicate, not a fresh
	// candidate.
	old, err := c.GetBlock(hashes[0])
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if err := c.AddBlock(old); !errors.Is(err, ErrBlockKnown) {
		t.Errorf("AddBlock(pruned duplicate) = %v, want ErrBlockKnown", err)
	}

	// The window survives a restart from the same store.
	re, err := NewChain(db, testGenesis(), nil)
	if err != nil {
		t.Fatalf("NewChain reopen: %v", err)
	}
	if got := re.dag.Len(); got != int(dagWindow)+1 {
		t.Errorf("reloaded dag.Len() = %d, want %d", got, dagWindow+1)
	}
	if re.Height() != 40 {
		t.Errorf("reloaded Height() = %d, want 40", re.Height())
	}
}

func TestTipCapUnderForkStorm(t *testing.T) {
	c := newTestChain(t, testGenesis())
	gm, _ := c.GetMeta(c.GenesisHash())
	base := gm.Timestamp + config.BlockTimeMillis

	// Six competing children of genesis. Every one is accepted, but
	// the tip set never grows past the limit.
	for i := 0; i < 6; i++ {
		blk := buildBlock(t, c, []types.Hash{c.GenesisHash()}, base+uint64(i), testMiner(byte(i+1)), nil)
		mustAdd(t, c, blk)
		if got := len(c.Tips()); got > config.TipsLimit {
			t.Fatalf("after fork %d: %d tips, limit %d", i, got, config.TipsLimit)
		}
	}

	// A second storm one height up. The heavier branches displace the
	// leftover height-1 tips.
	parent := c.Tips()[0]
	pm, _ := c.GetMeta(parent)
	for i := 0; i < 6; i++ {
		blk := buildBlock(t, c, []types.Hash{parent}, pm.Timestamp+config.BlockTimeMillis+uint64(i), testMiner(byte(i+1)), nil)
		mustAdd(t, c, blk)
		if got := len(c.Tips()); got > config.TipsLimit {
			t.Fatalf("after second-wave fork %d: %d tips, limit %d", i, got, config.TipsLimit)
		}
	}

	for _, tip := range c.Tips() {
		m, _ := c.GetMeta(tip)
		if m.Height != 2 {
			t.Errorf("surviving tip %s at height %d, want 2", tip, m.Height)
		}
	}
}

func TestFinalizedPositionsSurviveLateFork(t *testing.T) {
	c := newTestChain(t, testGenesis())
	gm, _ := c.GetMeta(c.GenesisHash())

	// Two blocks at every height, each pair referencing both members
	// of the previous pair. Topo advances twice as fast as height.
	prev := []types.Hash{c.GenesisHash()}
	var pairs [][2]types.Hash
	for h := uint64(1); h <= 10; h++ {
		ts := gm.Timestamp + h*config.BlockTimeMillis
		a := buildBlock(t, c, prev, ts, testMiner(1), nil)
		b := buildBlock(t, c, prev, ts+1, testMiner(2), nil)
		mustAdd(t, c, a)
		mustAdd(t, c, b)
		prev = []types.Hash{a.Hash(), b.Hash()}
		pairs = append(pairs, [2]types.Hash{a.Hash(), b.Hash()})
	}
	if c.Height() != 10 || c.TopoHeight() != 20 {
		t.Fatalf("height %d topo %d, want 10 and 20", c.Height(), c.TopoHeight())
	}

	// Only blocks below the stable height are finalized, even though
	// the topo cutoff reaches much further into the order: genesis
	// plus the pairs at heights one and two.
	order := c.OrderRange(0, c.TopoHeight())
	type snapshot struct {
		topo   uint64
		status Status
		reward uint64
	}
	finalized := make(map[types.Hash]snapshot)
	for _, hash := range order {
		m, _ := c.GetMeta(hash)
		if !m.Finalized {
			continue
		}
		if m.Height > c.StableHeight() {
			t.Errorf("block %s at height %d finalized above stable height %d", hash, m.Height, c.StableHeight())
		}
		reward, ok := c.Reward(hash)
		if !ok {
			t.Fatalf("finalized block %s has no reward", hash)
		}
		finalized[hash] = snapshot{topo: m.TopoHeight, status: m.Status, reward: reward}
	}
	if len(finalized) != 5 {
		t.Fatalf("%d finalized blocks, want 5", len(finalized))
	}
	supplyBefore := c.Supply()

	// A late fork on a height-2 block, at the edge of the allowed
	// window, inserts a new block into the middle of the order.
	fp, _ := c.GetMeta(pairs[1][0])
	fork := buildBlock(t, c, []types.Hash{fp.Hash}, fp.Timestamp+config.BlockTimeMillis, testMiner(9), nil)
	mustAdd(t, c, fork)

	fm, _ := c.GetMeta(fork.Hash())
	if !fm.Ordered || fm.Finalized {
		t.Fatalf("fork meta = %+v, want ordered and unfinalized", fm)
	}

	// Finalized positions, statuses, rewards and the supply must not
	// move.
	for hash, before := range finalized {
		m, _ := c.GetMeta(hash)
		if !m.Finalized {
			t.Errorf("block %s lost finality", hash)
		}
		if m.TopoHeight != before.topo {
			t.Errorf("block %s moved from topo %d to %d", hash, before.topo, m.TopoHeight)
		}
		if m.Status != before.status {
			t.Errorf("block %s status changed from %v to %v", hash, before.status, m.Status)
		}
		reward, ok := c.Reward(hash)
		if !ok || reward != before.reward {
			t.Errorf("block %s reward changed from %d to %d", hash, before.reward, reward)
		}
	}
	if got := c.Supply(); got != supplyBefore {
		t.Errorf("Supply() = %d after fork, want %d", got, supplyBefore)
	}
}
