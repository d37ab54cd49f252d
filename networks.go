package uniagent

import (
	"errors"
	"math/big"
)

// NetworkConfig carries the chain-specific constants needed to build and sign
// an EIP-3009 transfer authorization for the network's USDC deployment.
type NetworkConfig struct {
	// NetworkID is the x402 network identifier (e.g. "base-sepolia").
	NetworkID string

	// ChainID is the EVM chain ID used in the EIP-712 domain.
	ChainID *big.Int

	// USDCAddress is the official Circle USDC contract address.
	USDCAddress string

	// EIP3009Name is the EIP-712 domain parameter "name" of the contract.
	EIP3009Name string

	// EIP3009Version is the EIP-712 domain parameter "version".
	EIP3009Version string
}

var networks = map[string]NetworkConfig{
	"base": {
		NetworkID:      "base",
		ChainID:        big.NewInt(8453),
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	},
	"base-sepolia": {
		NetworkID:      "base-sepolia",
		ChainID:        big.NewInt(84532),
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	},
	"ethereum": {
		NetworkID:      "ethereum",
		ChainID:        big.NewInt(1),
		USDCAddress:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	},
	"sepolia": {
		NetworkID:      "sepolia",
		ChainID:        big.NewInt(11155111),
		USDCAddress:    "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	},
	"polygon": {
		NetworkID:      "polygon",
		ChainID:        big.NewInt(137),
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	},
	"polygon-amoy": {
		NetworkID:      "polygon-amoy",
		ChainID:        big.NewInt(80002),
		USDCAddress:    "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	},
}

// ErrUnknownNetwork indicates a network identifier with no configuration.
var ErrUnknownNetwork = errors.New("uniagent: unknown network")

// NetworkByID returns the configuration for an x402 network identifier.
func NetworkByID(id string) (NetworkConfig, error) {
	cfg, ok := networks[id]
	if !ok {
		return NetworkConfig{}, ErrUnknownNetwork
	}
	return cfg, nil
}

// SupportedNetworks lists the configured network identifiers.
func SupportedNetworks() []string {
	ids := make([]string, 0, len(networks))
	for id := range networks {
		ids = append(ids, id)
	}
	return ids
}
