// Package registry reads capability agent records from the on-chain
// AgentRegistry contract.
package registry

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	uniagent "github.com/toryoto/uniagent-go"
	"github.com/toryoto/uniagent-go/logger"
)

// registryABI covers the read surface of the AgentRegistry contract.
const registryABI = `[
  {"type":"function","name":"getAllAgentIds","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getAgentIdsByCategory","stateMutability":"view","inputs":[{"name":"category","type":"string"}],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getAgent","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"}],"outputs":[
    {"name":"name","type":"string"},
    {"name":"description","type":"string"},
    {"name":"serviceUrl","type":"string"},
    {"name":"pricePerCall","type":"uint256"},
    {"name":"ratingSum","type":"uint256"},
    {"name":"ratingCount","type":"uint256"},
    {"name":"category","type":"string"},
    {"name":"skillTags","type":"string[]"},
    {"name":"owner","type":"address"},
    {"name":"active","type":"bool"}
  ]}
]`

// DefaultCallTimeout bounds a single contract read.
const DefaultCallTimeout = 10 * time.Second

// ContractCaller is the subset of the Ethereum client used for registry
// reads. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client reads agent records from one AgentRegistry deployment.
type Client struct {
	caller   ContractCaller
	contract common.Address
	abi      abi.ABI
	timeout  time.Duration
	log      logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient dials the RPC endpoint and returns a registry client bound to the
// given contract address.
func NewClient(ctx context.Context, rpcURL, contractAddress string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, fmt.Errorf("registry RPC URL is required")
	}
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid registry contract address %q", contractAddress)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry RPC: %w", err)
	}
	return NewClientWithCaller(eth, contractAddress, opts...)
}

// NewClientWithCaller builds a registry client on an existing caller.
func NewClientWithCaller(caller ContractCaller, contractAddress string, opts ...Option) (*Client, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid registry contract address %q", contractAddress)
	}

	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}

	c := &Client{
		caller:   caller,
		contract: common.HexToAddress(contractAddress),
		abi:      parsed,
		timeout:  DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrNoop(c.log)
	return c, nil
}

// AllAgentIDs returns every registered agent id.
func (c *Client) AllAgentIDs(ctx context.Context) ([]*big.Int, error) {
	out, err := c.call(ctx, "getAllAgentIds")
	if err != nil {
		return nil, err
	}
	return unpackIDs(out)
}

// AgentIDsByCategory returns the agent ids filed under category.
func (c *Client) AgentIDsByCategory(ctx context.Context, category string) ([]*big.Int, error) {
	out, err := c.call(ctx, "getAgentIdsByCategory", category)
	if err != nil {
		return nil, err
	}
	return unpackIDs(out)
}

// Agent reads one agent record and converts it to a capability descriptor.
// The invocation endpoint is left empty; discovery resolves it from the
// agent's own service descriptor.
func (c *Client) Agent(ctx context.Context, id *big.Int) (*uniagent.CapabilityDescriptor, error) {
	out, err := c.call(ctx, "getAgent", id)
	if err != nil {
		return nil, err
	}
	if len(out) != 10 {
		return nil, fmt.Errorf("getAgent returned %d values, want 10", len(out))
	}

	price, _ := out[3].(*big.Int)
	ratingSum, _ := out[4].(*big.Int)
	ratingCount, _ := out[5].(*big.Int)
	owner, _ := out[8].(common.Address)

	descriptor := &uniagent.CapabilityDescriptor{
		ID:           id.String(),
		Name:         asString(out[0]),
		Description:  asString(out[1]),
		ServiceURL:   asString(out[2]),
		PricePerCall: uniagent.AtomicToDecimal(price),
		Category:     asString(out[6]),
		Owner:        owner.Hex(),
	}
	if tags, ok := out[7].([]string); ok {
		descriptor.SkillTags = tags
	}
	if active, ok := out[9].(bool); ok {
		descriptor.Active = active
	}
	if ratingCount != nil && ratingCount.Sign() > 0 {
		count := ratingCount.Int64()
		descriptor.RatingCount = int(count)
		if ratingSum != nil {
			sum, _ := new(big.Float).SetInt(ratingSum).Float64()
			descriptor.RatingAverage = sum / float64(count)
		}
	}
	return descriptor, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.caller.CallContract(ctx, gethcore.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		c.log.Warn("registry call failed", map[string]any{"method": method, "error": err.Error()})
		return nil, uniagent.NewAgentError(uniagent.CodeDiscovery,
			fmt.Sprintf("registry call %s failed", method),
			fmt.Errorf("%w: %w", uniagent.ErrDiscoveryUnavailable, err))
	}

	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, uniagent.NewAgentError(uniagent.CodeDiscovery,
			fmt.Sprintf("registry call %s returned undecodable data", method), err)
	}
	return out, nil
}

func unpackIDs(out []interface{}) ([]*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("id query returned %d values, want 1", len(out))
	}
	ids, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("id query returned %T, want []*big.Int", out[0])
	}
	return ids, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
