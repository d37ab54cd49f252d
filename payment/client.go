// Package payment implements the x402 client side of a capability
// invocation: send the task, absorb a 402 challenge, check the decoded
// amount against the caller's ceiling, sign an EIP-3009 authorization and
// retry exactly once with the payment attached.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	uniagent "github.com/toryoto/uniagent-go"
	"github.com/toryoto/uniagent-go/encoding"
	"github.com/toryoto/uniagent-go/logger"
	"github.com/toryoto/uniagent-go/signer"
	"github.com/toryoto/uniagent-go/validation"
)

const (
	// RequiredHeader may carry the encoded payment requirement on a 402
	// response. Servers that omit it put the requirement in the body.
	RequiredHeader = "X-Payment-Required"

	// PaymentHeader carries the signed payment on the paid retry.
	PaymentHeader = "X-PAYMENT"

	// SettlementHeader carries the settlement verdict on the retry response.
	SettlementHeader = "X-PAYMENT-RESPONSE"
)

// DefaultTimeout bounds a single HTTP round trip to a capability agent.
const DefaultTimeout = 30 * time.Second

const maxResponseBody = 1 << 20

// InvokeRequest describes one capability invocation.
type InvokeRequest struct {
	// Endpoint is the agent's invocation URL.
	Endpoint string

	// Task is the natural-language task text sent to the agent.
	Task string

	// MaxPrice is the per-call ceiling in stablecoin units. A challenge
	// demanding more than this is rejected before anything is signed.
	MaxPrice decimal.Decimal
}

// InvokeResult is the outcome of one invocation. It is returned alongside a
// non-nil error for failed invocations so callers can log the state trace
// and any partial settlement information.
type InvokeResult struct {
	// AttemptID uniquely identifies this invocation attempt.
	AttemptID string

	// Content is the agent's textual response.
	Content string

	// AmountPaid is the realized amount in stablecoin units. Zero when the
	// call completed without payment.
	AmountPaid decimal.Decimal

	// Settlement is the decoded facilitator verdict, when one was reported.
	Settlement *uniagent.SettlementResponse

	// States is the ordered list of state-machine states this invocation
	// passed through.
	States []State
}

// Client drives the invocation state machine. It is safe for concurrent use;
// each Invoke call carries its own state.
type Client struct {
	httpClient *http.Client
	signer     signer.TypedDataSigner
	log        logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger sets the structured logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a payment-capable invocation client signing with s.
func NewClient(s signer.TypedDataSigner, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		signer:     s,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrNoop(c.log)
	return c
}

// Invoke sends the task to the endpoint and handles at most one payment
// cycle. The returned InvokeResult is non-nil even on failure and carries the
// visited states.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	tr := newTrace()
	result := &InvokeResult{
		AttemptID:  uuid.NewString(),
		AmountPaid: decimal.Zero,
	}
	defer func() { result.States = tr.states }()

	if req.Endpoint == "" {
		return result, uniagent.NewAgentError(uniagent.CodeValidation, "invocation endpoint is required", uniagent.ErrValidation)
	}
	if req.Task == "" {
		return result, uniagent.NewAgentError(uniagent.CodeValidation, "task text is required", uniagent.ErrValidation)
	}

	body, err := json.Marshal(newTaskMessage(result.AttemptID, req.Task))
	if err != nil {
		return result, fmt.Errorf("failed to encode task message: %w", err)
	}

	tr.enter(StateSent)
	resp, respBody, err := c.send(ctx, req.Endpoint, body, "")
	if err != nil {
		tr.enter(StateFailed)
		return result, fmt.Errorf("invocation request failed: %w", err)
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			tr.enter(StateFailed)
			return result, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, truncate(respBody, 200))
		}
		tr.enter(StateOK)
		result.Content = parseContent(respBody)
		return result, nil
	}

	// Payment required.
	tr.enter(StateChallenged)
	requirement := decodeChallenge(resp, respBody)
	if requirement == nil {
		tr.enter(StateFailed)
		return result, uniagent.NewAgentError(uniagent.CodeChallengeMalformed,
			"402 response carried no decodable payment requirement", uniagent.ErrMissingChallenge)
	}
	if err := validation.ValidateRequirement(requirement); err != nil {
		tr.enter(StateFailed)
		return result, uniagent.NewAgentError(uniagent.CodeChallengeMalformed,
			err.Error(), uniagent.ErrMalformedChallenge)
	}

	atomic, ok := uniagent.ParseAtomicAmount(requirement.MaxAmountRequired)
	if !ok {
		tr.enter(StateFailed)
		return result, uniagent.NewAgentError(uniagent.CodeChallengeMalformed,
			fmt.Sprintf("challenge amount %q is not a valid atomic amount", requirement.MaxAmountRequired),
			uniagent.ErrMalformedChallenge)
	}
	required := uniagent.AtomicToDecimal(atomic)

	tr.enter(StateBudgetCheck)
	if required.GreaterThan(req.MaxPrice) {
		tr.enter(StateRejected)
		c.log.Warn("payment rejected over ceiling", map[string]any{
			"endpoint": req.Endpoint, "required": required.String(), "ceiling": req.MaxPrice.String(),
		})
		return result, uniagent.NewAgentError(uniagent.CodeBudgetExceeded,
			fmt.Sprintf("challenge demands %s but the per-call ceiling is %s", required, req.MaxPrice),
			uniagent.ErrBudgetExceeded).
			WithDetails("required", required.String()).
			WithDetails("ceiling", req.MaxPrice.String())
	}

	tr.enter(StateSigning)
	paymentHeader, err := c.signPayment(ctx, requirement, atomic)
	if err != nil {
		tr.enter(StateFailed)
		return result, err
	}

	tr.enter(StateRetrySent)
	c.log.Info("retrying with payment", map[string]any{
		"endpoint": req.Endpoint, "amount": required.String(), "network": requirement.Network,
	})
	retryResp, retryBody, err := c.send(ctx, req.Endpoint, body, paymentHeader)
	if err != nil {
		tr.enter(StateFailed)
		return result, fmt.Errorf("paid retry failed: %w", err)
	}

	if retryResp.StatusCode == http.StatusPaymentRequired {
		tr.enter(StateFailed)
		return result, retryChallengeError(retryResp, retryBody)
	}
	if retryResp.StatusCode < 200 || retryResp.StatusCode >= 300 {
		tr.enter(StateFailed)
		return result, fmt.Errorf("agent rejected paid retry with status %d: %s",
			retryResp.StatusCode, truncate(retryBody, 200))
	}

	if header := retryResp.Header.Get(SettlementHeader); header != "" {
		if settlement, err := encoding.DecodeSettlement(header); err == nil {
			result.Settlement = settlement
			if !settlement.Success {
				tr.enter(StateFailed)
				return result, settlementError(settlement)
			}
		}
	}

	tr.enter(StateOK)
	result.Content = parseContent(retryBody)
	result.AmountPaid = required
	return result, nil
}

// signPayment builds, signs and encodes the X-PAYMENT header value for one
// challenge. It is only ever called after the budget check has passed.
func (c *Client) signPayment(ctx context.Context, requirement *uniagent.PaymentRequirement, atomic *big.Int) (string, error) {
	network, err := uniagent.NetworkByID(requirement.Network)
	if err != nil {
		return "", uniagent.NewAgentError(uniagent.CodeNetworkMismatch,
			fmt.Sprintf("challenge names unsupported network %q", requirement.Network), err)
	}

	token := requirement.Asset
	if token == "" {
		token = network.USDCAddress
	}
	name, version := domainParams(requirement, network)

	auth, err := signer.NewAuthorization(
		common.HexToAddress(c.signer.Address()),
		common.HexToAddress(requirement.PayTo),
		atomic,
		time.Duration(requirement.MaxTimeoutSeconds)*time.Second,
	)
	if err != nil {
		return "", uniagent.NewAgentError(uniagent.CodeUnknown, "failed to build payment authorization", err)
	}

	typedData := auth.TypedData(common.HexToAddress(token), network.ChainID, name, version)
	signature, err := c.signer.SignTypedData(ctx, typedData)
	if err != nil {
		classified := uniagent.AsAgentError(err)
		if classified.Err == nil {
			classified.Err = fmt.Errorf("%w: %w", uniagent.ErrSigningFailed, err)
		}
		return "", classified
	}

	payload := uniagent.PaymentPayload{
		X402Version: uniagent.X402Version,
		Scheme:      requirement.Scheme,
		Network:     requirement.Network,
		Payload: uniagent.ExactEVMPayload{
			Signature:     signature,
			Authorization: auth.Wire(),
		},
	}
	if err := validation.ValidatePayload(payload); err != nil {
		return "", uniagent.NewAgentError(uniagent.CodeInvalidSignature,
			fmt.Sprintf("signer produced an unusable payment: %v", err), uniagent.ErrSigningFailed)
	}
	header, err := encoding.EncodePayment(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payment header: %w", err)
	}
	return header, nil
}

// send posts body to endpoint, optionally attaching a payment header, and
// returns the response together with its fully read body.
func (c *Client) send(ctx context.Context, endpoint string, body []byte, paymentHeader string) (*http.Response, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if paymentHeader != "" {
		httpReq.Header.Set(PaymentHeader, paymentHeader)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp, respBody, nil
}

// decodeChallenge extracts the payment requirement from a 402 response,
// preferring the header form over the body form. It returns nil when neither
// yields a usable requirement.
func decodeChallenge(resp *http.Response, body []byte) *uniagent.PaymentRequirement {
	if header := resp.Header.Get(RequiredHeader); header != "" {
		if requirement := encoding.DecodeRequirement(header); requirement != nil {
			return requirement
		}
	}
	return encoding.DecodeRequirement(string(body))
}

// retryChallengeError turns a second 402 into a terminal, classified error.
// The counterparty's own error text, when present, decides the code.
func retryChallengeError(resp *http.Response, body []byte) error {
	reason := ""
	if requirement := decodeChallenge(resp, body); requirement != nil {
		reason = requirement.ErrorCode
	}
	if reason == "" {
		var wrapper uniagent.RequirementsResponse
		if err := json.Unmarshal(body, &wrapper); err == nil {
			reason = wrapper.Error
		}
	}
	if reason != "" {
		classified := uniagent.Classify(reason)
		classified.Err = uniagent.ErrPaymentRetryExhausted
		return classified
	}
	return uniagent.NewAgentError(uniagent.CodeUnknown,
		"payment was not accepted and no further retry is permitted", uniagent.ErrPaymentRetryExhausted)
}

// settlementError turns a facilitator-reported settlement failure into a
// terminal, classified error. The payment did not settle, so nothing is
// booked against the ledger.
func settlementError(settlement *uniagent.SettlementResponse) error {
	if settlement.ErrorReason != "" {
		classified := uniagent.Classify(settlement.ErrorReason)
		classified.Err = uniagent.ErrSettlementFailed
		return classified
	}
	return uniagent.NewAgentError(uniagent.CodeUnknown,
		"counterparty reported the payment did not settle", uniagent.ErrSettlementFailed)
}

// domainParams resolves the EIP-712 domain name and version for the asset,
// preferring the challenge's scheme extras over the network defaults.
func domainParams(requirement *uniagent.PaymentRequirement, network uniagent.NetworkConfig) (string, string) {
	name := network.EIP3009Name
	version := network.EIP3009Version
	if v, ok := requirement.Extra["name"].(string); ok && v != "" {
		name = v
	}
	if v, ok := requirement.Extra["version"].(string); ok && v != "" {
		version = v
	}
	return name, version
}

// taskMessage is the JSON-RPC-shaped body sent to capability agents.
type taskMessage struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      string     `json:"id"`
	Method  string     `json:"method"`
	Params  taskParams `json:"params"`
}

type taskParams struct {
	Message messagePayload `json:"message"`
}

type messagePayload struct {
	Role  string        `json:"role"`
	Parts []messagePart `json:"parts"`
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newTaskMessage(id, task string) taskMessage {
	return taskMessage{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "message/send",
		Params: taskParams{
			Message: messagePayload{
				Role:  "user",
				Parts: []messagePart{{Type: "text", Text: task}},
			},
		},
	}
}

// parseContent extracts the agent's textual answer from a response body.
// Agents answer in the same message shape they are invoked with; anything
// unrecognized is returned verbatim.
func parseContent(body []byte) string {
	var rpc struct {
		Result struct {
			Message messagePayload `json:"message"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &rpc); err == nil {
		var parts []string
		for _, part := range rpc.Result.Message.Parts {
			if part.Text != "" {
				parts = append(parts, part.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return strings.TrimSpace(string(body))
}

// truncate caps s at n bytes, backing up so the cut never splits a rune.
func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
