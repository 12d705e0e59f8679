package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet is a secp256k1 key that owns batches on the ledger.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func NewWallet(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		key:     key,
		address: strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

// ParseWallet accepts a hex private key with or without 0x.
func ParseWallet(hexKey string) (*Wallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	return NewWallet(key), nil
}

// Address is the lowercase 0x address of the wallet.
func (w *Wallet) Address() string {
	return w.address
}

// SignDigest signs a 0x-prefixed 32-byte digest and returns the 65-byte
// recoverable signature as 0x hex.
func (w *Wallet) SignDigest(digest string) (string, error) {
	hash, err := decodeDigest(digest)
	if err != nil {
		return "", err
	}
	sig, err := ethcrypto.Sign(hash, w.key)
	if err != nil {
		return "", fmt.Errorf("sign digest: %w", err)
	}
	return hexutil.Encode(sig), nil
}

func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}

// RecoverAddress returns the lowercase address that produced signature over digest.
func RecoverAddress(digest, signature string) (string, error) {
	hash, err := decodeDigest(digest)
	if err != nil {
		return "", err
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return "", fmt.Errorf("signature length %d invalid", len(sig))
	}
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex()), nil
}

func decodeDigest(digest string) ([]byte, error) {
	if !strings.HasPrefix(digest, "0x") {
		return nil, errors.New("digest must be 0x hex")
	}
	hash := common.FromHex(digest)
	if len(hash) != common.HashLength {
		return nil, fmt.Errorf("digest length %d invalid", len(hash))
	}
	return hash, nil
}
