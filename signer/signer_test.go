package signer

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// testKey is go-ethereum's own bind package test fixture key, reused here
// purely as a known-good hex private key.
const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
const testMnemonic = "test test test test test test test test test test test junk"

func TestFromPrivateKeyDerivesAddress(t *testing.T) {
	s, err := FromPrivateKey(testKey)
	require.NoError(t, err)
	require.NotEqual(t, [20]byte{}, s.From())
}

func TestFromPrivateKeyAcceptsHexPrefix(t *testing.T) {
	s, err := FromPrivateKey(testKey)
	require.NoError(t, err)

	s2, err := FromPrivateKey("0x" + testKey)
	require.NoError(t, err)
	require.Equal(t, s.From(), s2.From())
}

func TestFromPrivateKeyRejectsGarbage(t *testing.T) {
	_, err := FromPrivateKey("not-hex")
	require.Error(t, err)
}

func TestFromMnemonicDerivesAddress(t *testing.T) {
	s, err := FromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	require.NotEqual(t, [20]byte{}, s.From())
}

func TestFromMnemonicIsDeterministic(t *testing.T) {
	s1, err := FromMnemonic(testMnemonic, "m/44'/60'/0'/0/0")
	require.NoError(t, err)
	s2, err := FromMnemonic(testMnemonic, "m/44'/60'/0'/0/0")
	require.NoError(t, err)
	require.Equal(t, s1.From(), s2.From())
}

func TestFromMnemonicDifferentPathsDiffer(t *testing.T) {
	s1, err := FromMnemonic(testMnemonic, "m/44'/60'/0'/0/0")
	require.NoError(t, err)
	s2, err := FromMnemonic(testMnemonic, "m/44'/60'/0'/0/1")
	require.NoError(t, err)
	require.NotEqual(t, s1.From(), s2.From())
}

func TestFromMnemonicRejectsGarbage(t *testing.T) {
	_, err := FromMnemonic("not a mnemonic", "")
	require.Error(t, err)
}

func TestNewRejectsBothOrNeitherSet(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{PrivateKey: testKey, Mnemonic: testMnemonic})
	require.Error(t, err)
}

func TestNewDispatchesToPrivateKey(t *testing.T) {
	s, err := New(Config{PrivateKey: testKey})
	require.NoError(t, err)

	want, err := FromPrivateKey(testKey)
	require.NoError(t, err)
	require.Equal(t, want.From(), s.From())
}

func TestSignerFnBindsChainID(t *testing.T) {
	s, err := FromPrivateKey(testKey)
	require.NoError(t, err)

	fn := s.SignerFn(big.NewInt(1))
	require.NotNil(t, fn)
}
