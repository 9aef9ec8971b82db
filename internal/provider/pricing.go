package provider

import (
	"math"
	"strings"
)

// Pricing is one model's USD price per 1K tokens.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Whitespace-delimited words undercount BPE tokens by roughly a third
// on English text.
const tokensPerWord = 1.3

// ApproxTokens estimates the token count of text for providers or
// paths with no real tokenizer. Zero for empty text, never negative.
func ApproxTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * tokensPerWord))
}

// ApproxRequestTokens estimates the input-side token count of a full
// request: prompt plus system instruction plus conversation history.
func ApproxRequestTokens(req *Request) int {
	total := ApproxTokens(req.Prompt)
	total += ApproxTokens(req.System())
	for _, t := range req.History() {
		total += ApproxTokens(t.Content)
	}
	return total
}

// SplitTokens divides a combined token count 50/50 between input and
// output. A coarse convention for upstreams that report only a total;
// kept as-is rather than guessed finer.
func SplitTokens(total int) (in, out int) {
	in = (total + 1) / 2
	return in, total - in
}

// EstimateCost projects a request's cost before generation: word-count
// approximation for the input side, the caller's max-token budget for
// the output side. With no budget set, output mirrors input, the same
// 50/50 convention used for untallied totals.
func EstimateCost(req *Request, p Pricing, decimals int) float64 {
	in := ApproxRequestTokens(req)
	out := req.MaxTokens
	if out == 0 {
		out = in
	}
	return Cost(in, out, p, decimals)
}

// Cost prices a call at per-1K-token rates, rounded to the given
// number of decimals. Never negative.
func Cost(inputTokens, outputTokens int, p Pricing, decimals int) float64 {
	c := float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
	if c < 0 {
		return 0
	}
	return RoundCost(c, decimals)
}

// RoundCost rounds to the given number of decimals. Providers with
// cent-level pricing use 6; sub-cent pricing uses 8.
func RoundCost(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
