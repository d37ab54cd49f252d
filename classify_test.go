package uniagent

import "testing"

func TestClassify_FreeText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ErrorCode
	}{
		{"insufficient balance", "insufficient balance for transfer", CodeInsufficientFunds},
		{"balance only", "payer balance too low", CodeInsufficientFunds},
		{"invalid signature", "invalid signature for authorization", CodeInvalidSignature},
		{"authorization", "authorization rejected by contract", CodeInvalidSignature},
		{"network", "wrong network for asset", CodeNetworkMismatch},
		{"chain", "unsupported chain id", CodeNetworkMismatch},
		{"unmatched", "something odd happened", CodeUnknown},
		{"empty", "", CodeUnknown},
		{"case insensitive", "INSUFFICIENT FUNDS", CodeInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.raw)
			if got.Code != tt.want {
				t.Errorf("Classify(%q).Code = %s, want %s", tt.raw, got.Code, tt.want)
			}
		})
	}
}

func TestClassify_FacilitatorCodes(t *testing.T) {
	tests := []struct {
		raw  string
		want ErrorCode
	}{
		{"insufficient_funds", CodeInsufficientFunds},
		{"invalid_signature", CodeInvalidSignature},
		{"expired_authorization", CodeExpiredAuth},
		{"network_mismatch", CodeNetworkMismatch},
		{"unsupported_network", CodeNetworkMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := Classify(tt.raw)
			if got.Code != tt.want {
				t.Errorf("Classify(%q).Code = %s, want %s", tt.raw, got.Code, tt.want)
			}
		})
	}
}

func TestClassify_PreservesOriginalMessage(t *testing.T) {
	raw := "some opaque facilitator response nobody anticipated"
	got := Classify(raw)
	if got.Code != CodeUnknown {
		t.Fatalf("Code = %s, want %s", got.Code, CodeUnknown)
	}
	if got.Message != raw {
		t.Errorf("Message = %q, want original preserved verbatim", got.Message)
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	// "insufficient" appears before the signature rule, so a message hitting
	// both rules classifies as funds.
	got := Classify("insufficient allowance for this authorization")
	if got.Code != CodeInsufficientFunds {
		t.Errorf("Code = %s, want %s", got.Code, CodeInsufficientFunds)
	}
}

func TestClassify_Remediation(t *testing.T) {
	got := Classify("insufficient balance for transfer")
	if got.Remediation == "" {
		t.Error("expected remediation text for insufficient_funds")
	}
}
