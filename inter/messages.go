package inter

import (
	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
)

// Proposal carries a candidate or sealed block.
type Proposal struct {
	Height idx.Block
	Mode   Mode
	Block  *Block
}

// NewProposal wraps b.
func NewProposal(b *Block) *Proposal {
	return &Proposal{Height: b.Height, Mode: b.Mode, Block: b}
}

// Committed is emitted once for every block that becomes canonical.
type Committed struct {
	Height  idx.Block
	Block   *Block
	Mode    Mode
	Rewards []Reward
	Slashes []SlashEvent
	// Reorg is set for blocks attached while switching to a longer branch.
	Reorg bool
}

// Checkpoint is a weak subjectivity anchor: the post-state of the block at
// Height.
type Checkpoint struct {
	Height       idx.Block
	BlockID      hash.Hash
	StateRoot    hash.Hash
	RegistryHash hash.Hash
}
