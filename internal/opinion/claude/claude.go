package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"perp-trading-agent/internal/opinion"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

const defaultEndpoint = "https://api.anthropic.com/v1/messages"

// Producer asks a Claude model for a trade opinion via the messages API.
type Producer struct {
	role        types.Producer
	model       string
	maxTokens   int
	temperature float32
	client      *http.Client
	endpoint    string
}

func New(role types.Producer, model string, maxTokens int, temperature float32, timeout time.Duration) *Producer {
	// Override for proxy/bedrock/vertex setups.
	endpoint := defaultEndpoint
	if ep := os.Getenv("CLAUDE_API_ENDPOINT"); ep != "" {
		endpoint = ep
	}
	return &Producer{
		role:        role,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		client:      &http.Client{Timeout: timeout},
		endpoint:    endpoint,
	}
}

func (p *Producer) Name() types.Producer { return p.role }

func (p *Producer) Produce(ctx context.Context, snap *types.MarketSnapshot, acct types.AccountState) (types.Opinion, error) {
	ctx, span := trace.StartSpan(ctx, "claude-api-call")
	defer span.End()

	apiKey := os.Getenv("CLAUDE_API_KEY")
	if apiKey == "" {
		return types.Opinion{}, errors.New("CLAUDE_API_KEY missing")
	}

	body := map[string]any{
		"model":  p.model,
		"system": opinion.SystemPrompt(p.role),
		"messages": []map[string]string{
			{"role": "user", "content": opinion.UserPrompt(snap, acct)},
		},
		"max_tokens":  p.maxTokens,
		"temperature": p.temperature,
	}
	bb, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(bb))
	if err != nil {
		return types.Opinion{}, err
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return types.Opinion{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return types.Opinion{}, fmt.Errorf("claude http %d: %s", resp.StatusCode, string(b))
	}

	var r struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return types.Opinion{}, err
	}

	for _, block := range r.Content {
		if block.Type == "text" && block.Text != "" {
			return opinion.Parse(block.Text, p.role, snap.Symbol), nil
		}
	}
	return types.Opinion{}, errors.New("no text content in response")
}
