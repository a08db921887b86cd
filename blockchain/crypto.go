package blockchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/mr-tron/base58"
)

const privateKeyLen = 32

// KeyPair is a node or account identity. PublicKey is the base58 encoding of
// the compressed secp256k1 public key and is what appears in transactions and
// block origins.
type KeyPair struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  string
}

func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return keyPairFromPrivate(priv), nil
}

// KeyPairFromHex restores a key pair from a hex encoded private key
func KeyPairFromHex(s string) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != privateKeyLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", privateKeyLen, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return keyPairFromPrivate(priv), nil
}

// LoadOrCreateKeyPair reads the hex private key at path, generating and
// persisting a new one when the file does not exist.
func LoadOrCreateKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return KeyPairFromHex(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(kp.PrivateKeyHex()), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return kp, nil
}

func keyPairFromPrivate(priv *btcec.PrivateKey) *KeyPair {
	return &KeyPair{
		PrivateKey: priv,
		PublicKey:  base58.Encode(priv.PubKey().SerializeCompressed()),
	}
}

func (kp *KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(kp.PrivateKey.Serialize())
}

// Sign signs a 32 byte digest and returns the base58 DER signature
func (kp *KeyPair) Sign(digest []byte) string {
	sig := ecdsa.Sign(kp.PrivateKey, digest)
	return base58.Encode(sig.Serialize())
}

// Verify checks a base58 signature over digest against a base58 public key.
// Malformed keys or signatures are reported as a failed verification.
func Verify(publicKey string, digest []byte, signature string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	rawKey, err := base58.Decode(publicKey)
	if err != nil || len(rawKey) == 0 {
		return false
	}
	pub, err := btcec.ParsePubKey(rawKey)
	if err != nil {
		return false
	}

	rawSig, err := base58.Decode(signature)
	if err != nil || len(rawSig) == 0 {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(rawSig)
	if err != nil {
		return false
	}

	return sig.Verify(digest, pub)
}

// Hash returns the hex sha256 of input
func Hash(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// signingPayload fields are declared in sorted key order so the JSON
// encoding is the canonical serialization.
type signingPayload struct {
	Amount    float64 `json:"amount"`
	Recipient string  `json:"recipient"`
	Sender    string  `json:"sender"`
	Timestamp int64   `json:"timestamp"`
}

// GetSigningBytesFromTransaction returns the digest a sender signs
func GetSigningBytesFromTransaction(tx *Transaction) []byte {
	data, err := json.Marshal(signingPayload{
		Amount:    tx.Amount,
		Recipient: tx.Recipient,
		Sender:    tx.Sender,
		Timestamp: tx.Timestamp,
	})
	if err != nil {
		// NaN and Inf amounts cannot be encoded; they never verify
		return nil
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

// SignTransaction sets tx.Signature using the given key pair
func SignTransaction(tx *Transaction, kp *KeyPair) string {
	tx.Signature = kp.Sign(GetSigningBytesFromTransaction(tx))
	return tx.Signature
}

// CheckSignature verifies tx.Signature against tx.Sender
func CheckSignature(tx *Transaction) bool {
	digest := GetSigningBytesFromTransaction(tx)
	if digest == nil || tx.Signature == "" {
		return false
	}
	return Verify(tx.Sender, digest, tx.Signature)
}

type canonicalTransaction struct {
	Amount    float64 `json:"amount"`
	Recipient string  `json:"recipient"`
	Sender    string  `json:"sender"`
	Signature string  `json:"signature"`
	Timestamp int64   `json:"timestamp"`
}

type canonicalBlock struct {
	Index        uint64                 `json:"index"`
	Origin       string                 `json:"origin"`
	PreviousHash string                 `json:"previous_hash"`
	Proof        uint64                 `json:"proof"`
	Timestamp    int64                  `json:"timestamp"`
	Transactions []canonicalTransaction `json:"transactions"`
}

// HashTransaction is the deterministic hash of a full transaction
func HashTransaction(tx *Transaction) string {
	data, _ := json.Marshal(canonicalTx(tx))
	return Hash(data)
}

// HashBlock is the deterministic hash of a block's sorted-key serialization
func HashBlock(block *Block) string {
	cb := canonicalBlock{
		Index:        block.Index,
		Origin:       block.Origin,
		PreviousHash: block.PreviousHash,
		Proof:        block.Proof,
		Timestamp:    block.Timestamp,
		Transactions: make([]canonicalTransaction, len(block.Transactions)),
	}
	for i := range block.Transactions {
		cb.Transactions[i] = canonicalTx(&block.Transactions[i])
	}

	data, err := json.Marshal(cb)
	if err != nil {
		return ""
	}
	return Hash(data)
}

func canonicalTx(tx *Transaction) canonicalTransaction {
	return canonicalTransaction{
		Amount:    tx.Amount,
		Recipient: tx.Recipient,
		Sender:    tx.Sender,
		Signature: tx.Signature,
		Timestamp: tx.Timestamp,
	}
}
