package delegated

import (
	"context"
	"fmt"
	"math/big"
	"os"

	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	uniagent "github.com/toryoto/uniagent-go"
	"github.com/toryoto/uniagent-go/logger"
)

// Signer signs typed data through the wallet service, keyed by an opaque
// wallet identifier the caller has been delegated out-of-band.
type Signer struct {
	client   *Client
	walletID string
	address  string
	log      logger.Logger

	baseURL string
	auth    *Auth
}

// Option configures a Signer.
type Option func(*Signer) error

// WithServiceURL sets the wallet service base URL.
func WithServiceURL(baseURL string) Option {
	return func(s *Signer) error {
		s.baseURL = baseURL
		return nil
	}
}

// WithCredentials sets the API key used to authenticate with the service.
// pemKey is a PEM-encoded ECDSA or Ed25519 private key.
func WithCredentials(keyID, pemKey string) Option {
	return func(s *Signer) error {
		auth, err := NewAuth(keyID, pemKey)
		if err != nil {
			return fmt.Errorf("failed to initialize wallet service auth: %w", err)
		}
		s.auth = auth
		return nil
	}
}

// WithCredentialsFromEnv loads credentials from WALLET_API_KEY_ID,
// WALLET_API_KEY_SECRET and WALLET_API_URL.
func WithCredentialsFromEnv() Option {
	return func(s *Signer) error {
		keyID := os.Getenv("WALLET_API_KEY_ID")
		pemKey := os.Getenv("WALLET_API_KEY_SECRET")
		if keyID == "" {
			return fmt.Errorf("WALLET_API_KEY_ID environment variable not set")
		}
		if pemKey == "" {
			return fmt.Errorf("WALLET_API_KEY_SECRET environment variable not set")
		}
		if url := os.Getenv("WALLET_API_URL"); url != "" {
			s.baseURL = url
		}

		auth, err := NewAuth(keyID, pemKey)
		if err != nil {
			return fmt.Errorf("failed to initialize wallet service auth from env: %w", err)
		}
		s.auth = auth
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Signer) error {
		s.log = log
		return nil
	}
}

// withClient injects a preconfigured API client (tests).
func withClient(client *Client) Option {
	return func(s *Signer) error {
		s.client = client
		return nil
	}
}

// NewSigner creates a delegated signer for one wallet and resolves its
// address from the service. The wallet must have been delegated to the
// credential holder beforehand; an unknown or undelegated wallet fails here,
// not at signing time.
func NewSigner(ctx context.Context, walletID string, opts ...Option) (*Signer, error) {
	s := &Signer{walletID: walletID}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if walletID == "" {
		return nil, fmt.Errorf("wallet ID is required")
	}
	if s.client == nil {
		if s.auth == nil {
			return nil, fmt.Errorf("wallet service credentials not provided")
		}
		if s.baseURL == "" {
			return nil, fmt.Errorf("wallet service URL not provided")
		}
		client, err := NewClient(s.baseURL, s.auth, s.log)
		if err != nil {
			return nil, err
		}
		s.client = client
	}
	s.log = logger.OrNoop(s.log)

	var wallet struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	}
	if err := s.client.do(ctx, "GET", "/v1/wallets/"+walletID, nil, &wallet); err != nil {
		return nil, classifyAPIError(err)
	}
	if wallet.Address == "" {
		return nil, fmt.Errorf("wallet service returned no address for wallet %s", walletID)
	}
	s.address = wallet.Address

	return s, nil
}

// Address implements signer.TypedDataSigner.
func (s *Signer) Address() string {
	return s.address
}

// SignTypedData implements signer.TypedDataSigner. The typed data is
// serialized with every 256-bit integer as a decimal string before
// transmission; failures are classified before being returned.
func (s *Signer) SignTypedData(ctx context.Context, typedData apitypes.TypedData) (string, error) {
	body := map[string]interface{}{
		"typed_data": wireTypedData(typedData),
	}

	var result struct {
		Signature string `json:"signature"`
	}
	if err := s.client.do(ctx, "POST", "/v1/wallets/"+s.walletID+"/sign-typed-data", body, &result); err != nil {
		classified := classifyAPIError(err)
		s.log.Error("typed-data signing failed", map[string]any{
			"wallet": s.walletID, "code": classified.Code,
		})
		return "", classified
	}
	if result.Signature == "" {
		return "", uniagent.NewAgentError(uniagent.CodeUnknown, "wallet service returned an empty signature", uniagent.ErrSigningFailed)
	}
	return result.Signature, nil
}

// wireTypedData converts typed data to the service's JSON shape, rendering
// uint256 values as decimal strings (the service speaks JSON and cannot take
// hex-or-decimal variance).
func wireTypedData(typedData apitypes.TypedData) map[string]interface{} {
	domain := map[string]interface{}{
		"name":              typedData.Domain.Name,
		"version":           typedData.Domain.Version,
		"verifyingContract": typedData.Domain.VerifyingContract,
	}
	if typedData.Domain.ChainId != nil {
		domain["chainId"] = (*big.Int)(typedData.Domain.ChainId).String()
	}

	message := make(map[string]interface{}, len(typedData.Message))
	for key, value := range typedData.Message {
		message[key] = wireValue(value)
	}

	return map[string]interface{}{
		"domain":      domain,
		"types":       typedData.Types,
		"primaryType": typedData.PrimaryType,
		"message":     message,
	}
}

// wireValue deep-converts 256-bit integer values to decimal strings.
func wireValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *gethmath.HexOrDecimal256:
		return (*big.Int)(v).String()
	case gethmath.HexOrDecimal256:
		b := big.Int(v)
		return b.String()
	case *big.Int:
		return v.String()
	case map[string]interface{}:
		converted := make(map[string]interface{}, len(v))
		for key, nested := range v {
			converted[key] = wireValue(nested)
		}
		return converted
	case []interface{}:
		converted := make([]interface{}, len(v))
		for i, nested := range v {
			converted[i] = wireValue(nested)
		}
		return converted
	default:
		return value
	}
}
