package mocks

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"powchain/blockchain"
)

// TestAccount holds a complete key pair for testing
type TestAccount struct {
	Keys *blockchain.KeyPair
}

func (a TestAccount) Address() string {
	return a.Keys.PublicKey
}

// GenerateKeyPair generates a new secp256k1 key pair, panicking on failure
func GenerateKeyPair() *blockchain.KeyPair {
	kp, err := blockchain.GenerateKeyPair()
	if err != nil {
		panic("failed to generate keypair: " + err.Error())
	}
	return kp
}

// GenerateTestAccounts creates N test accounts with keypairs
func GenerateTestAccounts(count int) []TestAccount {
	accounts := make([]TestAccount, count)
	for i := range accounts {
		accounts[i] = TestAccount{Keys: GenerateKeyPair()}
	}
	return accounts
}

// GenerateValidTransaction creates a signed transaction from sender to
// recipient stamped with the current time. If amount is -1 a random amount
// between 1 and 1000 is used.
func GenerateValidTransaction(sender *blockchain.KeyPair, recipient string, amount float64) blockchain.Transaction {
	return GenerateValidTransactionAt(sender, recipient, amount, time.Now().UnixMilli())
}

// GenerateValidTransactionAt is GenerateValidTransaction with a fixed timestamp
func GenerateValidTransactionAt(sender *blockchain.KeyPair, recipient string, amount float64, timestamp int64) blockchain.Transaction {
	if amount == -1 {
		n, _ := rand.Int(rand.Reader, big.NewInt(1000))
		amount = float64(n.Int64() + 1)
	}

	tx := blockchain.Transaction{
		Sender:    sender.PublicKey,
		Recipient: recipient,
		Amount:    amount,
		Timestamp: timestamp,
	}
	blockchain.SignTransaction(&tx, sender)
	return tx
}

// GenerateRandomTransactions creates count signed transfers between random accounts
func GenerateRandomTransactions(accounts []TestAccount, count int) []blockchain.Transaction {
	txs := make([]blockchain.Transaction, 0, count)
	for i := 0; i < count; i++ {
		from := accounts[randomIndex(len(accounts))]
		to := accounts[randomIndex(len(accounts))]
		txs = append(txs, GenerateValidTransaction(from.Keys, to.Address(), -1))
	}
	return txs
}

// GenerateInvalidTransactions returns transactions that each break one admission rule
func GenerateInvalidTransactions(account TestAccount) map[string]blockchain.Transaction {
	recipient := GenerateKeyPair().PublicKey
	now := time.Now().UnixMilli()

	unsigned := blockchain.Transaction{Sender: account.Address(), Recipient: recipient, Amount: 10, Timestamp: now}

	tampered := GenerateValidTransaction(account.Keys, recipient, 10)
	tampered.Amount = 11

	stale := GenerateValidTransactionAt(account.Keys, recipient, 10, now-time.Hour.Milliseconds())

	zero := GenerateValidTransaction(account.Keys, recipient, 0)

	noRecipient := GenerateValidTransaction(account.Keys, "", 10)

	return map[string]blockchain.Transaction{
		blockchain.FailureSignature + " (unsigned)": unsigned,
		blockchain.FailureSignature + " (tampered)": tampered,
		blockchain.FailureTimestamp:                 stale,
		blockchain.FailureAmount:                    zero,
		blockchain.FailureRecipient:                 noRecipient,
	}
}

// GenerateValidMinedBlock mines a block carrying transactions on top of parent
func GenerateValidMinedBlock(engine *blockchain.Engine, parent *blockchain.Block, miner *blockchain.KeyPair, transactions []blockchain.Transaction) (*blockchain.Block, error) {
	proof, err := engine.Search(context.Background(), parent.Proof, blockchain.HashBlock(parent))
	if err != nil {
		return nil, err
	}

	txs := blockchain.CloneTransactions(transactions)
	txs = append(txs, blockchain.NewRewardTransaction(miner, time.Now().UnixMilli()))

	return blockchain.NewBlock(blockchain.BlockCreationParams{
		State:        blockchain.NewChainState(parent),
		Transactions: txs,
		Proof:        proof,
		Origin:       miner.PublicKey,
	})
}

// GeneratePrebuiltChain mines blockCount blocks on top of genesis, each with
// transactionsPerBlock random transfers between accountCount accounts. The
// returned slice starts with the genesis block.
func GeneratePrebuiltChain(engine *blockchain.Engine, blockCount, accountCount, transactionsPerBlock int) []*blockchain.Block {
	accounts := GenerateTestAccounts(accountCount)
	miner := GenerateKeyPair()

	blocks := []*blockchain.Block{blockchain.NewGenesisBlock()}
	for i := 0; i < blockCount; i++ {
		txs := GenerateRandomTransactions(accounts, transactionsPerBlock)
		block, err := GenerateValidMinedBlock(engine, blocks[len(blocks)-1], miner, txs)
		if err != nil {
			panic("failed to mine test block: " + err.Error())
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// GenerateInvalidBlock creates a block that does not link to parent
func GenerateInvalidBlock(parent *blockchain.Block) *blockchain.Block {
	return &blockchain.Block{
		Index:        parent.Index + 1,
		Timestamp:    time.Now().UnixMilli(),
		Transactions: []blockchain.Transaction{},
		Proof:        0,
		PreviousHash: "0000000000000000000000000000000000000000000000000000000000000000",
		Origin:       "mallory",
	}
}

func randomIndex(n int) int {
	v, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(v.Int64())
}
