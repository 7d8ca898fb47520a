package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/MistApproach/callm/internal/logits"
	"github.com/MistApproach/callm/internal/tokenizer"
	"github.com/MistApproach/callm/pkg/callm"
	"github.com/MistApproach/callm/pkg/engine"
)

// generate runs the decode loop. Callers hold p.mu and have checked that a
// model is loaded.
func (p *Text) generate(ctx context.Context, prompt string) (*Result, error) {
	var seed uint64
	if p.seed != nil {
		seed = *p.seed
	}
	sampler := logits.NewSampler(seed, logits.Select(p.temperature, p.topK, p.topP))

	tok, err := p.loader.Tokenizer()
	if err != nil {
		return nil, err
	}
	eos, err := p.eosID(tok)
	if err != nil {
		return nil, err
	}

	tokens, err := safeEncode(tok, prompt)
	if err != nil {
		return nil, err
	}
	startCount := len(tokens)
	p.log.Debug("starting generation",
		"prompt_tokens", startCount,
		"eos", eos,
		"sampling", sampler.Sampling().Kind.String(),
		"seed", seed,
	)

	res := &Result{PromptTokens: startCount, Stop: StopMaxTokens}
	start := time.Now()
	loopErr := p.decode(ctx, sampler, eos, &tokens, res)

	if err := safeClearCache(p.model); err != nil {
		if loopErr == nil {
			return nil, err
		}
		p.log.Warn("clear cache after failed generation", "error", err)
	}
	if loopErr != nil {
		return nil, loopErr
	}

	res.Stats.Duration = time.Since(start)
	res.Stats.TokensGenerated = len(tokens) - startCount
	if res.Stats.Duration.Seconds() > 0 {
		res.Stats.TPS = float64(res.Stats.TokensGenerated) / res.Stats.Duration.Seconds()
	}
	res.GeneratedTokens = res.Stats.TokensGenerated

	text, err := tok.Decode(tokens[startCount:], true)
	if err != nil {
		return nil, err
	}
	res.Text = text
	p.log.Debug("generation finished",
		"generated_tokens", res.GeneratedTokens,
		"stop", string(res.Stop),
		"tps", res.Stats.TPS,
	)
	return res, nil
}

// decode appends sampled tokens to *tokens. The first step feeds the whole
// prompt at position 0; later steps feed the newest token at its position.
func (p *Text) decode(ctx context.Context, sampler *logits.Sampler, eos int, tokens *[]int, res *Result) error {
	for step := range MaxSteps {
		if err := ctx.Err(); err != nil {
			return err
		}
		ctxSize := len(*tokens)
		if step > 0 {
			ctxSize = 1
		}
		pos := len(*tokens) - ctxSize

		out, err := safeForward(p.model, (*tokens)[pos:], pos)
		if err != nil {
			return err
		}
		next, err := sampler.Sample(out)
		if err != nil {
			return callm.Engine(err)
		}
		*tokens = append(*tokens, next)
		p.log.Debug("sampled token", "step", step, "pos", pos, "token", next)

		if next == eos {
			res.Stop = StopEOS
			return nil
		}
	}
	return nil
}

// eosID resolves the template's EOS text through the vocabulary. Without an
// EOS marker generation only stops at MaxSteps.
func (p *Text) eosID(tok tokenizer.Tokenizer) (int, error) {
	tpl, err := p.loader.Template()
	if err != nil {
		return 0, err
	}
	text, ok := tpl.EOS()
	if !ok {
		p.log.Warn("template has no EOS token; generation stops only at the step limit", "max_steps", MaxSteps)
		return -1, nil
	}
	id, ok := tok.TokenToID(text)
	if !ok {
		return 0, callm.TokenizerError(fmt.Sprintf("EOS token %q missing in the tokenizer", text), nil)
	}
	return id, nil
}

func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = callm.TokenizerError(fmt.Sprintf("panic in Encode: %v", rec), nil)
		}
	}()
	return tok.Encode(prompt)
}

func safeForward(m engine.Model, ids []int, pos int) (out []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = callm.Engine(fmt.Errorf("panic in Forward: %v", rec))
		}
	}()
	out, err = m.Forward(ids, pos)
	if err != nil {
		return nil, callm.Engine(err)
	}
	return out, nil
}

func safeClearCache(m engine.Model) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = callm.Engine(fmt.Errorf("panic in ClearCache: %v", rec))
		}
	}()
	if err := m.ClearCache(); err != nil {
		return callm.Engine(err)
	}
	return nil
}
