package openai

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

const maxLine = 4 << 20

// decodeStream reads an SSE body until [DONE] or EOF. Text and reasoning
// deltas are emitted as they arrive; tool call fragments are folded by index
// and emitted with usage and end once the stream completes. kick is called
// for every line received. A non-nil error means the read failed and no
// terminal event was emitted.
func decodeStream(provider string, body io.Reader, kick func(), emit func(core.Event) bool) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)

	acc := model.NewToolCallAccumulator()
	var usage *core.Usage

	for sc.Scan() {
		kick()
		line := strings.TrimSpace(sc.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		raw := []byte(data)
		if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() {
			emit(core.ErrorEvent(&core.VendorError{Provider: provider, Attempts: 1, Message: msg.String()}))
			return nil
		}

		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return fmt.Errorf("decode chunk: %w", err)
		}

		for i, ch := range chunk.Choices {
			if ch.Index != 0 {
				continue
			}
			if rc := reasoningDelta(raw, i); rc != "" {
				if !emit(core.ReasoningEvent(rc)) {
					return nil
				}
			}
			if ch.Delta.Content != "" {
				if !emit(core.TextEvent(ch.Delta.Content)) {
					return nil
				}
			}
			for _, tc := range ch.Delta.ToolCalls {
				acc.Add(core.ToolCall{
					Index: int(tc.Index),
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Args:  tc.Function.Arguments,
				})
			}
		}

		if u := gjson.GetBytes(raw, "usage"); u.IsObject() {
			usage = &core.Usage{
				InputTokens:  u.Get("prompt_tokens").Int(),
				OutputTokens: u.Get("completion_tokens").Int(),
			}
			if c := u.Get("cost"); c.Exists() {
				cost := c.Float()
				usage.Cost = &cost
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	for _, call := range acc.Flush() {
		if !emit(core.ToolCallEvent(call)) {
			return nil
		}
	}
	if usage != nil {
		if !emit(core.UsageEvent(*usage)) {
			return nil
		}
	}
	emit(core.EndEvent())
	return nil
}

// reasoningDelta reads the non-standard reasoning fields used by compatible
// vendors (reasoning_content, reasoning).
func reasoningDelta(raw []byte, choice int) string {
	base := fmt.Sprintf("choices.%d.delta.", choice)
	for _, field := range []string{"reasoning_content", "reasoning"} {
		if r := gjson.GetBytes(raw, base+field); r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}
