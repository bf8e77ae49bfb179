// Package signer builds the From()/Signer() pair client.EthSign needs
// (§4.H) out of operator-supplied key material: either a raw private key
// or a mnemonic plus HD derivation path, exactly one of which must be set
// (§6), mirroring the private-key/mnemonic selection already used by the
// kroma and base-org withdrawal tooling in the reference pack.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum-optimism/go-ethereum-hdwallet"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Config is the CLI/env-bound key material
// (WITHDRAWAL_FINALIZER_ACCOUNT_PRIVATE_KEY, WITHDRAWAL_FINALIZER_MNEMONIC,
// WITHDRAWAL_FINALIZER_HD_PATH). Exactly one of PrivateKey or Mnemonic
// must be non-empty.
type Config struct {
	PrivateKey string
	Mnemonic   string
	HDPath     string
}

// Signer holds a resolved signing key and exposes the bind.SignerFn shape
// client.EthClient.WithSigner wants.
type Signer struct {
	from common.Address
	key  *ecdsa.PrivateKey
}

// New resolves cfg into a Signer, rejecting the case where both or
// neither of PrivateKey/Mnemonic are set (§6).
func New(cfg Config) (*Signer, error) {
	hasKey := cfg.PrivateKey != ""
	hasMnemonic := cfg.Mnemonic != ""
	if hasKey == hasMnemonic {
		return nil, errors.New("signer: exactly one of private key or mnemonic must be set")
	}
	if hasKey {
		return FromPrivateKey(cfg.PrivateKey)
	}
	return FromMnemonic(cfg.Mnemonic, cfg.HDPath)
}

// FromPrivateKey loads a raw hex-encoded secp256k1 key, the same
// crypto.HexToECDSA/crypto.PubkeyToAddress pair the op-probe withdrawal
// CLI uses to turn an operator-supplied key into a signing address.
func FromPrivateKey(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}
	return &Signer{from: crypto.PubkeyToAddress(key.PublicKey), key: key}, nil
}

// FromMnemonic derives a key from a BIP-39 mnemonic and BIP-32 path, the
// mnemonic/hd-path combination named in §6 as the alternative to a raw key.
func FromMnemonic(mnemonic, hdPath string) (*Signer, error) {
	if hdPath == "" {
		hdPath = hdwallet.DefaultBaseDerivationPath.String()
	}
	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("signer: parse mnemonic: %w", err)
	}
	path, err := hdwallet.ParseDerivationPath(hdPath)
	if err != nil {
		return nil, fmt.Errorf("signer: parse hd path %s: %w", hdPath, err)
	}
	account, err := wallet.Derive(path, false)
	if err != nil {
		return nil, fmt.Errorf("signer: derive account at %s: %w", hdPath, err)
	}
	key, err := wallet.PrivateKey(account)
	if err != nil {
		return nil, fmt.Errorf("signer: export private key: %w", err)
	}
	return &Signer{from: account.Address, key: key}, nil
}

// From is the address transactions will be sent from.
func (s *Signer) From() common.Address { return s.from }

// SignerFn returns the bind.SignerFn client.EthClient.WithSigner expects,
// bound to a single chain ID the way bind.NewKeyedTransactorWithChainID
// binds one (§4.H transactions must carry the correct EIP-155 chain id).
func (s *Signer) SignerFn(chainID *big.Int) bind.SignerFn {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, chainID)
	if err != nil {
		// Only fails for a nil chainID, which callers always resolve via
		// EthRead.ChainID before constructing a Signer.
		panic(fmt.Sprintf("signer: new keyed transactor: %v", err))
	}
	return opts.Signer
}
