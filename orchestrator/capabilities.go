package orchestrator

import (
	"github.com/shopspring/decimal"

	uniagent "github.com/toryoto/uniagent-go"
	"github.com/toryoto/uniagent-go/llm"
)

// The capability set is closed: the planner can only propose these two
// actions, and their argument shapes are fixed here rather than negotiated
// at runtime.
const (
	CapabilityDiscover = "discover"
	CapabilityExecute  = "execute_with_payment"
)

var capabilitySet = []llm.Capability{
	{
		Name:        CapabilityDiscover,
		Description: "Search the agent registry for capability agents matching a category, skill, price ceiling or minimum rating.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"category":  map[string]interface{}{"type": "string", "description": "registry category to search"},
				"skill":     map[string]interface{}{"type": "string", "description": "skill keyword matched against name and description"},
				"maxPrice":  map[string]interface{}{"type": "string", "description": "maximum price per call in USD, e.g. \"0.05\""},
				"minRating": map[string]interface{}{"type": "number", "description": "minimum average rating, 0 to 5"},
			},
		},
	},
	{
		Name:        CapabilityExecute,
		Description: "Send a task to a discovered agent's endpoint, automatically paying its per-call price if it demands one within budget.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"endpoint": map[string]interface{}{"type": "string", "description": "the agent's invocation endpoint from a discover result"},
				"task":     map[string]interface{}{"type": "string", "description": "the task text to send to the agent"},
			},
			"required": []string{"endpoint", "task"},
		},
	},
}

type discoverArgs struct {
	Category string `json:"category,omitempty"`
	Skill    string `json:"skill,omitempty"`

	// MaxPrice tolerates both the documented string form and the bare
	// number some models emit.
	MaxPrice  interface{} `json:"maxPrice,omitempty"`
	MinRating *float64    `json:"minRating,omitempty"`
}

func (a discoverArgs) toQuery() uniagent.DiscoveryQuery {
	query := uniagent.DiscoveryQuery{
		Category:  a.Category,
		Skill:     a.Skill,
		MinRating: a.MinRating,
	}
	switch v := a.MaxPrice.(type) {
	case string:
		if price, err := decimal.NewFromString(v); err == nil {
			query.MaxPrice = &price
		}
	case float64:
		price := decimal.NewFromFloat(v)
		query.MaxPrice = &price
	}
	return query
}

type executeArgs struct {
	Endpoint string `json:"endpoint"`
	Task     string `json:"task"`
}
