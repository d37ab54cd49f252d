package uniagent

import "strings"

// classifyRule maps substrings of a free-text failure reason to an ErrorCode.
// Rules are evaluated in order; the first match wins.
type classifyRule struct {
	substrings []string
	code       ErrorCode
}

// textRules is the fixed ordered rule list for free-text settlement failure
// reasons. Matching is case-insensitive.
var textRules = []classifyRule{
	{[]string{"insufficient", "balance"}, CodeInsufficientFunds},
	{[]string{"signature", "authorization"}, CodeInvalidSignature},
	{[]string{"network", "chain"}, CodeNetworkMismatch},
}

// facilitatorCodes maps exact machine-readable facilitator error codes to the
// taxonomy. Codes are matched before the free-text rules.
var facilitatorCodes = map[string]ErrorCode{
	"insufficient_funds":    CodeInsufficientFunds,
	"invalid_signature":     CodeInvalidSignature,
	"invalid_authorization": CodeInvalidSignature,
	"expired_authorization": CodeExpiredAuth,
	"authorization_expired": CodeExpiredAuth,
	"network_mismatch":      CodeNetworkMismatch,
	"unsupported_network":   CodeNetworkMismatch,
}

// Classify maps a raw failure signal (a facilitator error code or a free-text
// settlement failure reason) onto the error taxonomy. It never fails: an
// unrecognizable signal yields CodeUnknown with the original message
// preserved verbatim.
func Classify(raw string) *AgentError {
	trimmed := strings.TrimSpace(raw)
	if code, ok := facilitatorCodes[strings.ToLower(trimmed)]; ok {
		return NewAgentError(code, trimmed, nil)
	}

	lower := strings.ToLower(trimmed)
	for _, rule := range textRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return NewAgentError(rule.code, trimmed, nil)
			}
		}
	}

	return NewAgentError(CodeUnknown, trimmed, nil)
}
