package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	uniagent "github.com/toryoto/uniagent-go"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
)

// Config describes an OpenAI-compatible chat-completions endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIPlanner implements Planner over the chat-completions API using
// function calling: each capability becomes a tool, and a tool call from the
// model becomes the proposed step.
type OpenAIPlanner struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIPlanner creates a planner from the given configuration.
func NewOpenAIPlanner(cfg Config) (*OpenAIPlanner, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("llm API key is required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &OpenAIPlanner{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type toolSpec struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

// Next asks the model for one step. A tool call in the reply becomes a
// capability call; plain content becomes the final answer.
func (p *OpenAIPlanner) Next(ctx context.Context, pc PlanContext) (*PlanStep, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model":    p.model,
		"messages": buildMessages(pc),
		"tools":    buildTools(pc.Capabilities),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode planner request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build planner request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", uniagent.ErrPlannerFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: status %d: %s", uniagent.ErrPlannerFailed,
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %w", uniagent.ErrPlannerFailed, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contained no choices", uniagent.ErrPlannerFailed)
	}

	message := decoded.Choices[0].Message
	if len(message.ToolCalls) > 0 {
		call := message.ToolCalls[0]
		args := map[string]interface{}{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("%w: tool call %s carried undecodable arguments: %w",
					uniagent.ErrPlannerFailed, call.Function.Name, err)
			}
		}
		return &PlanStep{
			Thought: strings.TrimSpace(message.Content),
			Call:    &CapabilityCall{Name: call.Function.Name, Arguments: args},
		}, nil
	}

	answer := strings.TrimSpace(message.Content)
	if answer == "" {
		return nil, fmt.Errorf("%w: response carried neither a tool call nor an answer", uniagent.ErrPlannerFailed)
	}
	return &PlanStep{Answer: answer}, nil
}

const systemPrompt = `You orchestrate capability agents on behalf of a user.
Propose exactly one tool call per turn, or answer directly when the task is
done. Paid calls draw from a fixed budget; prefer cheap agents and stop when
the remaining budget cannot cover another call.`

func buildMessages(pc PlanContext) []chatMessage {
	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Task: %s\nBudget: %s spent of %s, %s remaining.",
			pc.Task, pc.Budget.Spent, pc.Budget.MaxBudget, pc.Budget.Remaining)},
	}

	// Replay prior steps as tool-call exchanges so the model sees what it
	// already tried.
	for i, obs := range pc.Observations {
		args, _ := json.Marshal(obs.Arguments)
		call := toolCall{ID: fmt.Sprintf("call_%d", i), Type: "function"}
		call.Function.Name = obs.Capability
		call.Function.Arguments = string(args)
		messages = append(messages, chatMessage{Role: "assistant", ToolCalls: []toolCall{call}})

		content := obs.Result
		if obs.Err != "" {
			content = "error: " + obs.Err
		}
		messages = append(messages, chatMessage{Role: "tool", ToolCallID: call.ID, Content: content})
	}
	return messages
}

func buildTools(capabilities []Capability) []toolSpec {
	tools := make([]toolSpec, len(capabilities))
	for i, capability := range capabilities {
		tools[i].Type = "function"
		tools[i].Function.Name = capability.Name
		tools[i].Function.Description = capability.Description
		tools[i].Function.Parameters = capability.Parameters
	}
	return tools
}
