package blockchain

const (
	// GenesisProof is the bootstrap proof carried by the genesis block
	GenesisProof = 100

	// GenesisPreviousHash stands in for the missing parent
	GenesisPreviousHash = "1"
)

// GenesisBlock is the first block in the chain. Every field is fixed so
// nodes that bootstrap independently agree on it byte for byte.
var GenesisBlock = &Block{
	Index:        1,
	Timestamp:    0,
	Transactions: []Transaction{},
	Proof:        GenesisProof,
	PreviousHash: GenesisPreviousHash,
	Origin:       "",
}

// NewGenesisBlock returns a private copy of GenesisBlock
func NewGenesisBlock() *Block {
	return GenesisBlock.Clone()
}

// IsGenesis reports whether b is the genesis block
func IsGenesis(b *Block) bool {
	return b != nil && HashBlock(b) == HashBlock(GenesisBlock)
}
