package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	uniagent "github.com/toryoto/uniagent-go"
	"github.com/toryoto/uniagent-go/encoding"
)

const (
	testPayTo = "0x2222222222222222222222222222222222222222"
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// countingSigner records how many signatures were requested. The budget check
// must reject over-ceiling challenges before this is ever called.
type countingSigner struct {
	calls int64
	fail  bool
}

func (s *countingSigner) Address() string {
	return "0x1111111111111111111111111111111111111111"
}

func (s *countingSigner) SignTypedData(_ context.Context, _ apitypes.TypedData) (string, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.fail {
		return "", errors.New("invalid signature material")
	}
	return "0x" + strings.Repeat("ab", 65), nil
}

func (s *countingSigner) signCount() int64 {
	return atomic.LoadInt64(&s.calls)
}

func challengeBody(t *testing.T, amount string) []byte {
	t.Helper()
	body, err := json.Marshal(uniagent.RequirementsResponse{
		X402Version: uniagent.X402Version,
		Accepts: []uniagent.PaymentRequirement{{
			Scheme:            "exact",
			Network:           "base-sepolia",
			MaxAmountRequired: amount,
			Asset:             testAsset,
			PayTo:             testPayTo,
			Resource:          "https://agent.example/api/message",
			MaxTimeoutSeconds: 600,
		}},
	})
	if err != nil {
		t.Fatalf("marshal challenge: %v", err)
	}
	return body
}

func agentReply(text string) []byte {
	reply, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"result": map[string]interface{}{
			"message": map[string]interface{}{
				"role":  "agent",
				"parts": []map[string]string{{"type": "text", "text": text}},
			},
		},
	})
	return reply
}

func lastState(r *InvokeResult) State {
	if len(r.States) == 0 {
		return ""
	}
	return r.States[len(r.States)-1]
}

func hasState(r *InvokeResult, s State) bool {
	for _, got := range r.States {
		if got == s {
			return true
		}
	}
	return false
}

func TestInvoke_FreeCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PaymentHeader) != "" {
			t.Error("free call carried a payment header")
		}
		_, _ = w.Write(agentReply("the answer"))
	}))
	defer server.Close()

	s := &countingSigner{}
	client := NewClient(s)

	result, err := client.Invoke(context.Background(), InvokeRequest{
		Endpoint: server.URL,
		Task:     "what is the answer",
		MaxPrice: decimal.RequireFromString("0.05"),
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if result.Content != "the answer" {
		t.Errorf("Content = %q", result.Content)
	}
	if !result.AmountPaid.IsZero() {
		t.Errorf("AmountPaid = %s, want 0", result.AmountPaid)
	}
	if got := s.signCount(); got != 0 {
		t.Errorf("signer called %d times for a free call", got)
	}
	if lastState(result) != StateOK {
		t.Errorf("final state = %s", lastState(result))
	}
}

func TestInvoke_PaidFlow(t *testing.T) {
	s := &countingSigner{}
	var paidRequest atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(PaymentHeader)
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(challengeBody(t, "10000")) // 0.01
			return
		}
		paidRequest.Store(header)

		settlement, err := encoding.EncodeSettlement(uniagent.SettlementResponse{
			Success:     true,
			Transaction: "0xtx",
			Network:     "base-sepolia",
			Payer:       s.Address(),
		})
		if err != nil {
			t.Fatalf("encode settlement: %v", err)
		}
		w.Header().Set(SettlementHeader, settlement)
		_, _ = w.Write(agentReply("paid answer"))
	}))
	defer server.Close()

	client := NewClient(s)
	result, err := client.Invoke(context.Background(), InvokeRequest{
		Endpoint: server.URL,
		Task:     "do the paid thing",
		MaxPrice: decimal.RequireFromString("0.05"),
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if result.Content != "paid answer" {
		t.Errorf("Content = %q", result.Content)
	}
	if want := decimal.RequireFromString("0.01"); !result.AmountPaid.Equal(want) {
		t.Errorf("AmountPaid = %s, want %s", result.AmountPaid, want)
	}
	if result.Settlement == nil || !result.Settlement.Success {
		t.Errorf("Settlement = %+v", result.Settlement)
	}
	if got := s.signCount(); got != 1 {
		t.Errorf("signer called %d times, want 1", got)
	}
	for _, state := range []State{StateChallenged, StateBudgetCheck, StateSigning, StateRetrySent, StateOK} {
		if !hasState(result, state) {
			t.Errorf("state trace %v missing %s", result.States, state)
		}
	}

	// The wire payment must decode back to the signed authorization.
	header, _ := paidRequest.Load().(string)
	payload, err := encoding.DecodePayment(header)
	if err != nil {
		t.Fatalf("decode payment header: %v", err)
	}
	if payload.Scheme != "exact" || payload.Network != "base-sepolia" {
		t.Errorf("payload scheme/network = %s/%s", payload.Scheme, payload.Network)
	}
	if payload.Payload.Authorization.Value != "10000" {
		t.Errorf("authorization value = %s, want 10000", payload.Payload.Authorization.Value)
	}
	if payload.Payload.Authorization.To != testPayTo {
		t.Errorf("authorization to = %s", payload.Payload.Authorization.To)
	}
	if payload.Payload.Signature == "" {
		t.Error("payload missing signature")
	}
}

func TestInvoke_OverCeilingRejectedBeforeSigning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PaymentHeader) != "" {
			t.Error("rejected invocation must never send a payment")
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write(challengeBody(t, "5000000")) // 5.00
	}))
	defer server.Close()

	s := &countingSigner{}
	client := NewClient(s)
	result, err := client.Invoke(context.Background(), InvokeRequest{
		Endpoint: server.URL,
		Task:     "expensive thing",
		MaxPrice: decimal.RequireFromString("0.01"),
	})
	if err == nil {
		t.Fatal("expected budget rejection")
	}

	var agentErr *uniagent.AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected AgentError, got %v", err)
	}
	if agentErr.Code != uniagent.CodeBudgetExceeded {
		t.Errorf("code = %s, want %s", agentErr.Code, uniagent.CodeBudgetExceeded)
	}
	if got := s.signCount(); got != 0 {
		t.Errorf("signer called %d times for a rejected amount", got)
	}
	if lastState(result) != StateRejected {
		t.Errorf("final state = %s, want %s", lastState(result), StateRejected)
	}
}

func TestInvoke_MalformedChallenge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte("upgrade required"))
	}))
	defer server.Close()

	s := &countingSigner{}
	client := NewClient(s)
	result, err := client.Invoke(context.Background(), InvokeRequest{
		Endpoint: server.URL,
		Task:     "anything",
		MaxPrice: decimal.RequireFromString("1"),
	})
	if err == nil {
		t.Fatal("expected malformed-challenge error")
	}

	var agentErr *uniagent.AgentError
	if !errors.As(err, &agentErr) || agentErr.Code != uniagent.CodeChallengeMalformed {
		t.Errorf("err = %v, want code %s", err, uniagent.CodeChallengeMalformed)
	}
	if !errors.Is(err, uniagent.ErrMissingChallenge) {
		t.Errorf("err = %v, want ErrMissingChallenge", err)
	}
	if got := s.signCount(); got != 0 {
		t.Errorf("signer called %d times on a malformed challenge", got)
	}
	if lastState(result) != StateFailed {
		t.Errorf("final state = %s", lastState(result))
	}
}

func TestInvoke_SecondChallengeIsTerminal(t *testing.T) {
	s := &countingSigner{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		if r.Header.Get(PaymentHeader) != "" {
			_, _ = w.Write([]byte(`{"x402Version":1,"error":"insufficient balance for transfer","accepts":[]}`))
			return
		}
		_, _ = w.Write(challengeBody(t, "10000"))
	}))
	defer server.Close()

	client := NewClient(s)
	result, err := client.Invoke(context.Background(), InvokeRequest{
		Endpoint: server.URL,
		Task:     "anything",
		MaxPrice: decimal.RequireFromString("1"),
	})
	if err == nil {
		t.Fatal("expected terminal failure on second 402")
	}
	if !errors.Is(err, uniagent.ErrPaymentRetryExhausted) {
		t.Errorf("err = %v, want ErrPaymentRetryExhausted", err)
	}

	var agentErr *uniagent.AgentError
	if !errors.As(err, &agentErr) || agentErr.Code != uniagent.CodeInsufficientFunds {
		t.Errorf("err = %v, want code %s", err, uniagent.CodeInsufficientFunds)
	}
	if got := s.signCount(); got != 1 {
		t.Errorf("signer called %d times, want exactly 1", got)
	}
	if !result.AmountPaid.IsZero() {
		t.Errorf("AmountPaid = %s after failed settlement, want 0", result.AmountPaid)
	}
	if lastState(result) != StateFailed {
		t.Errorf("final state = %s", lastState(result))
	}
}

func TestInvoke_FailedSettlementIsTerminal(t *testing.T) {
	s := &countingSigner{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PaymentHeader) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(challengeBody(t, "10000"))
			return
		}
		settlement, err := encoding.EncodeSettlement(uniagent.SettlementResponse{
			Success:     false,
			ErrorReason: "insufficient_funds",
			Network:     "base-sepolia",
		})
		if err != nil {
			t.Fatalf("encode settlement: %v", err)
		}
		w.Header().Set(SettlementHeader, settlement)
		_, _ = w.Write(agentReply("should not count"))
	}))
	defer server.Close()

	client := NewClient(s)
	result, err := client.Invoke(context.Background(), InvokeRequest{
		Endpoint: server.URL,
		Task:     "anything",
		MaxPrice: decimal.RequireFromString("1"),
	})
	if err == nil {
		t.Fatal("expected failure when the counterparty reports a failed settlement")
	}
	if !errors.Is(err, uniagent.ErrSettlementFailed) {
		t.Errorf("err = %v, want ErrSettlementFailed", err)
	}

	var agentErr *uniagent.AgentError
	if !errors.As(err, &agentErr) || agentErr.Code != uniagent.CodeInsufficientFunds {
		t.Errorf("err = %v, want code %s", err, uniagent.CodeInsufficientFunds)
	}
	if !result.AmountPaid.IsZero() {
		t.Errorf("AmountPaid = %s after failed settlement, want 0", result.AmountPaid)
	}
	if result.Settlement == nil || result.Settlement.Success {
		t.Errorf("Settlement = %+v, want the failed verdict preserved", result.Settlement)
	}
	if lastState(result) != StateFailed {
		t.Errorf("final state = %s", lastState(result))
	}
}

func TestInvoke_ZeroAmountStillSigns(t *testing.T) {
	s := &countingSigner{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PaymentHeader) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(challengeBody(t, "0"))
			return
		}
		_, _ = w.Write(agentReply("zero cost"))
	}))
	defer server.Close()

	client := NewClient(s)
	result, err := client.Invoke(context.Background(), InvokeRequest{
		Endpoint: server.URL,
		Task:     "anything",
		MaxPrice: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got := s.signCount(); got != 1 {
		t.Errorf("signer called %d times, want 1: zero amounts still sign", got)
	}
	if !result.AmountPaid.IsZero() {
		t.Errorf("AmountPaid = %s, want 0", result.AmountPaid)
	}
}

func TestInvoke_ChallengeInHeader(t *testing.T) {
	s := &countingSigner{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PaymentHeader) == "" {
			header, err := encoding.EncodeRequirements(uniagent.RequirementsResponse{
				X402Version: uniagent.X402Version,
				Accepts: []uniagent.PaymentRequirement{{
					Scheme:            "exact",
					Network:           "base-sepolia",
					MaxAmountRequired: "20000",
					Asset:             testAsset,
					PayTo:             testPayTo,
				}},
			})
			if err != nil {
				t.Fatalf("encode requirements: %v", err)
			}
			w.Header().Set(RequiredHeader, header)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		_, _ = w.Write(agentReply("header flow"))
	}))
	defer server.Close()

	client := NewClient(s)
	result, err := client.Invoke(context.Background(), InvokeRequest{
		Endpoint: server.URL,
		Task:     "anything",
		MaxPrice: decimal.RequireFromString("0.05"),
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if want := decimal.RequireFromString("0.02"); !result.AmountPaid.Equal(want) {
		t.Errorf("AmountPaid = %s, want %s", result.AmountPaid, want)
	}
}

func TestInvoke_SigningFailure(t *testing.T) {
	s := &countingSigner{fail: true}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PaymentHeader) != "" {
			t.Error("retry sent despite signing failure")
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write(challengeBody(t, "10000"))
	}))
	defer server.Close()

	client := NewClient(s)
	result, err := client.Invoke(context.Background(), InvokeRequest{
		Endpoint: server.URL,
		Task:     "anything",
		MaxPrice: decimal.RequireFromString("1"),
	})
	if err == nil {
		t.Fatal("expected signing failure")
	}
	if !errors.Is(err, uniagent.ErrSigningFailed) {
		t.Errorf("err = %v, want ErrSigningFailed", err)
	}
	if lastState(result) != StateFailed {
		t.Errorf("final state = %s", lastState(result))
	}
}

func TestInvoke_Validation(t *testing.T) {
	client := NewClient(&countingSigner{})

	for _, tc := range []struct {
		name string
		req  InvokeRequest
	}{
		{"missing endpoint", InvokeRequest{Task: "x", MaxPrice: decimal.New(1, 0)}},
		{"missing task", InvokeRequest{Endpoint: "http://localhost:1", MaxPrice: decimal.New(1, 0)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Invoke(context.Background(), tc.req)
			var agentErr *uniagent.AgentError
			if !errors.As(err, &agentErr) || agentErr.Code != uniagent.CodeValidation {
				t.Errorf("err = %v, want code %s", err, uniagent.CodeValidation)
			}
		})
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short ascii", "plain error", 200, "plain error"},
		{"cut ascii", "abcdef", 3, "abc"},
		{"cut inside rune backs up", "abécd", 3, "ab"},
		{"cut on rune boundary", "abécd", 4, "abé"},
		{"trims whitespace first", "  abc  ", 10, "abc"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := truncate([]byte(tc.in), tc.n)
			if got != tc.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8 %q", tc.in, tc.n, got)
			}
		})
	}
}

func TestInvoke_UnknownNetwork(t *testing.T) {
	s := &countingSigner{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"x402Version":1,"accepts":[{"scheme":"exact","network":"arbitrum","maxAmountRequired":"100","asset":"` + testAsset + `","payTo":"` + testPayTo + `"}]}`))
	}))
	defer server.Close()

	client := NewClient(s)
	_, err := client.Invoke(context.Background(), InvokeRequest{
		Endpoint: server.URL,
		Task:     "anything",
		MaxPrice: decimal.RequireFromString("1"),
	})
	var agentErr *uniagent.AgentError
	if !errors.As(err, &agentErr) || agentErr.Code != uniagent.CodeNetworkMismatch {
		t.Errorf("err = %v, want code %s", err, uniagent.CodeNetworkMismatch)
	}
	if got := s.signCount(); got != 0 {
		t.Errorf("signer called %d times for unsupported network", got)
	}
}
