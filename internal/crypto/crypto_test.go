package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestAckSignerRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "ack.key")
	pubPath := filepath.Join(dir, "ack.pub")
	require.NoError(t, os.WriteFile(privPath, []byte(base64.StdEncoding.EncodeToString(priv.Seed())), 0o600))
	require.NoError(t, os.WriteFile(pubPath, []byte(base64.RawURLEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))), 0o600))

	signer, err := LoadAckSigner(privPath, pubPath)
	require.NoError(t, err)
	require.Regexp(t, `^ed25519:[0-9a-f]{16}$`, signer.KeyID)

	sig := signer.Sign([]byte("payload"))
	require.True(t, VerifyAck(signer.Public, []byte("payload"), sig))
	require.False(t, VerifyAck(signer.Public, []byte("payload2"), sig))
	require.False(t, VerifyAck(signer.Public, []byte("payload"), "not-base64!"))
}

func TestLoadAckSignerRejectsMismatchedPublicKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "ack.key")
	pubPath := filepath.Join(dir, "ack.pub")
	require.NoError(t, os.WriteFile(privPath, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600))
	require.NoError(t, os.WriteFile(pubPath, []byte(base64.StdEncoding.EncodeToString(otherPub)), 0o600))

	_, err = LoadAckSigner(privPath, pubPath)
	require.Error(t, err)
}

func TestWalletSignAndRecover(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	w, err := ParseWallet(hexutil.Encode(ethcrypto.FromECDSA(key)))
	require.NoError(t, err)
	require.Regexp(t, `^0x[0-9a-f]{40}$`, w.Address())

	digest := ethcrypto.Keccak256Hash([]byte("transfer")).Hex()
	sig, err := w.SignDigest(digest)
	require.NoError(t, err)

	addr, err := RecoverAddress(digest, sig)
	require.NoError(t, err)
	require.Equal(t, w.Address(), addr)

	other := ethcrypto.Keccak256Hash([]byte("other")).Hex()
	addr, err = RecoverAddress(other, sig)
	require.NoError(t, err)
	require.NotEqual(t, w.Address(), addr)
}

func TestSignDigestRejectsMalformedDigest(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	w := NewWallet(key)
	_, err = w.SignDigest("abcd")
	require.Error(t, err)
	_, err = w.SignDigest("0x1234")
	require.Error(t, err)
}

func TestLoadKeyring(t *testing.T) {
	k1, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	k2, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("PROVENANCE_TEST_WALLET", hexutil.Encode(ethcrypto.FromECDSA(k2)))

	path := filepath.Join(t.TempDir(), "keyring.yaml")
	body := "wallets:\n" +
		"  - name: farmer\n" +
		"    private_key: " + hexutil.Encode(ethcrypto.FromECDSA(k1))[2:] + "\n" +
		"  - name: retailer\n" +
		"    private_key_env: PROVENANCE_TEST_WALLET\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	ring, err := LoadKeyring(path)
	require.NoError(t, err)
	require.Len(t, ring.Addresses(), 2)

	addr := ethcrypto.PubkeyToAddress(k1.PublicKey).Hex()
	w, ok := ring.Lookup(addr)
	require.True(t, ok, "lookup must ignore checksum case")
	require.Equal(t, NewWallet(k1).Address(), w.Address())

	_, ok = ring.Lookup("0x0000000000000000000000000000000000000001")
	require.False(t, ok)
}

func TestLoadKeyringMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wallets:\n  - name: empty\n"), 0o600))
	_, err := LoadKeyring(path)
	require.ErrorContains(t, err, "has no key")
}
