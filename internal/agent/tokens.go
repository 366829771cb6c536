package agent

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/poucet/noema/internal/provider"
)

var (
	tokenizerCache   = make(map[string]*tiktoken.Tiktoken)
	tokenizerCacheMu sync.RWMutex
)

// getTokenizer returns a cached tiktoken encoder, falling back to
// cl100k_base for models tiktoken doesn't recognize directly (every
// non-OpenAI provider this package talks to) since exact tokenization
// isn't the point — a same-order-of-magnitude estimate is.
func getTokenizer(model string) (*tiktoken.Tiktoken, error) {
	tokenizerCacheMu.RLock()
	if tkm, ok := tokenizerCache[model]; ok {
		tokenizerCacheMu.RUnlock()
		return tkm, nil
	}
	tokenizerCacheMu.RUnlock()

	tokenizerCacheMu.Lock()
	defer tokenizerCacheMu.Unlock()
	if tkm, ok := tokenizerCache[model]; ok {
		return tkm, nil
	}

	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	tokenizerCache[model] = tkm
	return tkm, nil
}

// tokensPerMessage is OpenAI's published per-message overhead constant;
// close enough across providers for a pre-send budget estimate.
const tokensPerMessage = 3

// estimateTokens approximates how many tokens req's messages and tool
// catalog will cost, used to warn before a send that is likely to be
// rejected for exceeding the model's context window.
func estimateTokens(req provider.ChatRequest) int {
	tkm, err := getTokenizer(req.Model)
	if err != nil {
		return 0
	}

	total := 0
	for _, msg := range req.Messages {
		total += tokensPerMessage
		total += len(tkm.Encode(string(msg.Role), nil, nil))
		total += len(tkm.Encode(msg.Text(), nil, nil))
	}
	for _, t := range req.Tools {
		total += len(tkm.Encode(t.Name, nil, nil))
		total += len(tkm.Encode(t.Description, nil, nil))
	}
	total += 3
	return total
}

// warnIfOverBudget logs when an outgoing request's estimated size
// exceeds contextWindow, so the operator can see context bloat in the
// logs before the provider itself rejects the call; it never truncates
// on the caller's behalf, since deciding what history to drop is a
// product choice spec §4.7 leaves to the client, not this loop.
func (l *turnLoop) warnIfOverBudget(req provider.ChatRequest, contextWindow int) {
	if contextWindow <= 0 {
		return
	}
	estimated := estimateTokens(req)
	if estimated <= contextWindow {
		return
	}
	l.manager.log.Warn().
		Int("estimated_tokens", estimated).
		Int("context_window", contextWindow).
		Str("model", req.Model).
		Msg("request likely exceeds model context window")
}

// lookupContextWindow finds model's advertised context window from its
// provider's model listing. Best-effort: a lookup failure or an
// unlisted model just disables the pre-send budget warning for this
// turn rather than failing it.
func (l *turnLoop) lookupContextWindow(ctx context.Context, model provider.ChatModel) int {
	defs, err := model.ListModels(ctx)
	if err != nil {
		return 0
	}
	for _, d := range defs {
		if d.ID == l.modelID {
			return d.ContextWindow
		}
	}
	return 0
}
