package payments

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// Network selects the address encoding for derived payment addresses.
type Network string

const (
	BitcoinMainnet Network = "bitcoin-mainnet"
	BitcoinTestnet Network = "bitcoin-testnet"
	Dogecoin       Network = "dogecoin"
)

// dogecoinParams carries only the fields address encoding reads.
var dogecoinParams = chaincfg.Params{
	Name:             "dogecoin-mainnet",
	PubKeyHashAddrID: 0x1e,
	ScriptHashAddrID: 0x16,
	PrivateKeyID:     0x9e,
	HDPublicKeyID:    [4]byte{0x02, 0xfa, 0xca, 0xfd},
	HDPrivateKeyID:   [4]byte{0x02, 0xfa, 0xc3, 0x98},
}

func ParseNetwork(v string) (Network, error) {
	switch n := Network(strings.ToLower(strings.TrimSpace(v))); n {
	case BitcoinMainnet, BitcoinTestnet, Dogecoin:
		return n, nil
	default:
		return "", fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, v)
	}
}

// Deriver maps each prime to its own receive address: child m/0/<prime> of
// an account-level extended public key. Bitcoin uses native segwit (P2WPKH),
// Dogecoin legacy P2PKH.
type Deriver struct {
	network  Network
	external *hdkeychain.ExtendedKey
}

func NewDeriver(xpub string, network Network) (*Deriver, error) {
	xpub = strings.TrimSpace(xpub)
	if xpub == "" {
		return nil, fmt.Errorf("%w: extended public key is required", ErrInvalidConfig)
	}
	if _, err := ParseNetwork(string(network)); err != nil {
		return nil, err
	}
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("%w: parse extended key: %v", ErrInvalidConfig, err)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("%w: refusing an extended private key", ErrInvalidConfig)
	}
	external, err := key.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("%w: derive external chain: %v", ErrInvalidConfig, err)
	}
	return &Deriver{network: network, external: external}, nil
}

func (d *Deriver) Network() Network { return d.network }

func (d *Deriver) Address(prime uint64) (string, error) {
	if prime >= uint64(hdkeychain.HardenedKeyStart) {
		return "", fmt.Errorf("%w: prime %d is beyond the non-hardened derivation range", ErrInvalidInput, prime)
	}
	child, err := d.external.Derive(uint32(prime))
	if err != nil {
		return "", fmt.Errorf("payments: derive m/0/%d: %w", prime, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("payments: child public key: %w", err)
	}
	hash := btcutil.Hash160(pub.SerializeCompressed())

	var addr btcutil.Address
	switch d.network {
	case BitcoinMainnet:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.MainNetParams)
	case BitcoinTestnet:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.TestNet3Params)
	case Dogecoin:
		addr, err = btcutil.NewAddressPubKeyHash(hash, &dogecoinParams)
	default:
		return "", fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, d.network)
	}
	if err != nil {
		return "", fmt.Errorf("payments: encode address: %w", err)
	}
	return addr.EncodeAddress(), nil
}
