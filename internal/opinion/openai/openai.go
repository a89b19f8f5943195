package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"perp-trading-agent/internal/opinion"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

const defaultEndpoint = "https://api.openai.com/v1/chat/completions"

// Producer asks an OpenAI chat model for a trade opinion.
type Producer struct {
	role        types.Producer
	model       string
	maxTokens   int
	temperature float32
	client      *http.Client
	endpoint    string
}

func New(role types.Producer, model string, maxTokens int, temperature float32, timeout time.Duration) *Producer {
	endpoint := defaultEndpoint
	if ep := os.Getenv("OPENAI_API_ENDPOINT"); ep != "" {
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
	ctx, span := trace.StartSpan(ctx, "openai-api-call")
	defer span.End()

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return types.Opinion{}, errors.New("OPENAI_API_KEY missing")
	}

	body := map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": opinion.SystemPrompt(p.role)},
			{"role": "user", "content": opinion.UserPrompt(snap, acct)},
		},
		"temperature": p.temperature,
		"max_tokens":  p.maxTokens,
	}
	bb, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(bb))
	if err != nil {
		return types.Opinion{}, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return types.Opinion{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return types.Opinion{}, fmt.Errorf("openai http %d", resp.StatusCode)
	}

	var r struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return types.Opinion{}, err
	}
	if len(r.Choices) == 0 {
		return types.Opinion{}, errors.New("no choices")
	}

	out := strings.TrimSpace(r.Choices[0].Message.Content)
	return opinion.Parse(out, p.role, snap.Symbol), nil
}
