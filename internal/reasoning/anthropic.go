package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/tools"
	"loom/internal/types"
)

// Anthropic is the production Provider backed by the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration

	maxRetries int

	// Rate limiting: minimum gap between consecutive requests.
	mu          sync.Mutex
	lastRequest time.Time
	minGap      time.Duration
}

// NewAnthropic builds the Anthropic provider from config.
func NewAnthropic(cfg config.ReasoningConfig, timeout time.Duration) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &Anthropic{
		client:     anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:      anthropic.Model(cfg.Model),
		maxTokens:  maxTokens,
		timeout:    timeout,
		maxRetries: 3,
		minGap:     100 * time.Millisecond,
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// Stream issues one Messages call with bounded retry and surfaces the
// response blocks on a channel.
func (a *Anthropic) Stream(ctx context.Context, req Request) (*Stream, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	logging.ReasoningDebug("[anthropic] request: model=%s turns=%d tools=%d",
		a.model, len(req.Turns), len(req.Tools))

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    buildSystem(req.System),
		Messages:  buildMessages(req.Turns),
		Tools:     buildTools(req.Tools),
	}

	var resp *anthropic.Message
	var lastErr error
	for i := 0; i <= a.maxRetries; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Second
			logging.Reasoning("[anthropic] retry %d after %v: %v", i, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		a.throttle()

		resp, lastErr = a.client.Messages.New(ctx, params)
		if lastErr == nil {
			break
		}
		if !classify(lastErr) {
			logging.Reasoning("[anthropic] fatal error after %v: %v", time.Since(start), lastErr)
			return nil, fmt.Errorf("reasoning request failed: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, Transient(fmt.Errorf("max retries exceeded: %w", lastErr))
	}

	if len(resp.Content) == 0 {
		return nil, ErrEmptyResponse
	}

	usage := types.TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	logging.Reasoning("[anthropic] response in %v: blocks=%d stop=%s in=%d out=%d",
		time.Since(start), len(resp.Content), resp.StopReason, usage.InputTokens, usage.OutputTokens)

	stream := newStream(len(resp.Content))
	stream.setOutcome(usage, string(resp.StopReason))

	go func() {
		defer stream.close()
		for _, content := range resp.Content {
			block, ok := convertBlock(content)
			if !ok {
				continue
			}
			select {
			case stream.blocks <- block:
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}
	}()

	return stream, nil
}

// throttle enforces the minimum inter-request gap.
func (a *Anthropic) throttle() {
	a.mu.Lock()
	elapsed := time.Since(a.lastRequest)
	if elapsed < a.minGap {
		time.Sleep(a.minGap - elapsed)
	}
	a.lastRequest = time.Now()
	a.mu.Unlock()
}

// classify reports whether an API error is worth retrying.
func classify(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "overloaded", "529",
		"500", "502", "503", "504",
		"connection", "timeout", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// convertBlock maps an API content block into the internal union.
func convertBlock(content anthropic.ContentBlockUnion) (types.ContentBlock, bool) {
	switch content.Type {
	case "text":
		return types.TextBlock(content.Text), true
	case "tool_use":
		var input map[string]any
		if err := json.Unmarshal([]byte(content.Input), &input); err != nil {
			logging.Reasoning("[anthropic] unparseable tool input for %s: %v", content.Name, err)
			input = map[string]any{}
		}
		return types.ToolUseBlock(content.ID, content.Name, input), true
	default:
		return types.ContentBlock{}, false
	}
}

// buildSystem wraps a non-empty system prompt as API text blocks.
func buildSystem(system string) []anthropic.TextBlockParam {
	if system == "" {
		return nil
	}
	return []anthropic.TextBlockParam{{Text: system}}
}

// buildMessages converts history turns into API message params. Guidance
// turns travel as user messages; thinking and image blocks are not resent.
func buildMessages(turns []types.Turn) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, turn := range turns {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range turn.Blocks {
			switch b.Type {
			case types.BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case types.BlockToolUse:
				raw, err := json.Marshal(b.Input)
				if err != nil {
					raw = []byte("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, json.RawMessage(raw), b.Name))
			case types.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, !b.Success))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if turn.Role == types.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}
	return messages
}

// buildTools converts tool definitions to the API tool format.
func buildTools(defs []*tools.Tool) []anthropic.ToolUnionParam {
	apiTools := make([]anthropic.ToolUnionParam, len(defs))
	for i, t := range defs {
		properties := make(map[string]any, len(t.Schema.Properties))
		for name, prop := range t.Schema.Properties {
			properties[name] = prop
		}

		inputSchema := anthropic.ToolInputSchemaParam{
			Properties: properties,
			Required:   t.Schema.Required,
			Type:       "object",
		}

		toolUnion := anthropic.ToolUnionParamOfTool(inputSchema, t.Name)
		if desc := toolUnion.OfTool; desc != nil {
			desc.Description = anthropic.Opt(t.Description)
		}
		apiTools[i] = toolUnion
	}
	return apiTools
}
