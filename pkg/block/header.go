package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/pkg/crypto"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Header contains block metadata. A block references between one and
// three parent tips; height is one past the highest tip.
type Header struct {
	Version    uint32                       `json:"version"`
	Height     uint64                       `json:"height"`
	Timestamp  uint64                       `json:"timestamp"` // Milliseconds since epoch
	Tips       []types.Hash                 `json:"tips"`
	TxRoot     types.Hash                   `json:"tx_root"`
	Miner      types.PublicKey              `json:"miner"`
	Difficulty uint64                       `json:"difficulty"`
	ExtraNonce [config.ExtraNonceSize]byte  `json:"-"`
	Nonce      uint64                       `json:"nonce"`
}

// headerJSON is the JSON representation of Header with hex-encoded extra nonce.
type headerJSON struct {
	Version    uint32          `json:"version"`
	Height     uint64          `json:"height"`
	Timestamp  uint64          `json:"timestamp"`
	Tips       []types.Hash    `json:"tips"`
	TxRoot     types.Hash      `json:"tx_root"`
	Miner      types.PublicKey `json:"miner"`
	Difficulty uint64          `json:"difficulty"`
	ExtraNonce string          `json:"extra_nonce"`
	Nonce      uint64          `json:"nonce"`
}

// MarshalJSON encodes the header with a hex-encoded extra nonce.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:    h.Version,
		Height:     h.Height,
		Timestamp:  h.Timestamp,
		Tips:       h.Tips,
		TxRoot:     h.TxRoot,
		Miner:      h.Miner,
		Difficulty: h.Difficulty,
		ExtraNonce: hex.EncodeToString(h.ExtraNonce[:]),
		Nonce:      h.Nonce,
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with a hex-encoded extra nonce.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.Height = j.Height
	h.Timestamp = j.Timestamp
	h.Tips = j.Tips
	h.TxRoot = j.TxRoot
	h.Miner = j.Miner
	h.Difficulty = j.Difficulty
	h.Nonce = j.Nonce
	h.ExtraNonce = [config.ExtraNonceSize]byte{}
	if j.ExtraNonce != "" {
		b, err := hex.DecodeString(j.ExtraNonce)
		if err != nil {
			return err
		}
		copy(h.ExtraNonce[:], b)
	}
	return nil
}

// Hash computes the block header hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing.
// Format: version(4) | height(8) | timestamp(8) | tip_count(1) | [tip(32)]... |
// tx_root(32) | miner(33) | difficulty(8) | extra_nonce(32) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 190+types.HashSize*len(h.Tips))
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, byte(len(h.Tips)))
	for _, tip := range h.Tips {
		buf = append(buf, tip[:]...)
	}
	buf = append(buf, h.TxRoot[:]...)
	buf = append(buf, h.Miner[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	buf = append(buf, h.ExtraNonce[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}
