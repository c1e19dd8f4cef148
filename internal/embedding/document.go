package embedding

import (
	"strings"
	"unicode/utf8"
)

// TokenEstimator approximates how many model tokens a string costs.
type TokenEstimator func(s string) int

// ApproxTokens estimates one token per four characters, rounded up.
func ApproxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// Block is one labeled piece of the embedding document.
type Block struct {
	Label string
	Text  string
}

// Document is the text sent to the provider.
type Document struct {
	Text       string
	Budget     int
	TokensUsed int
	// Clipped is set when a block had to be truncated to fit the budget.
	Clipped bool
}

const blockSeparator = "\n\n"

// BuildDocument renders non-empty blocks as "Label: text" in order until the
// token budget is exhausted. The block that overflows is cut to the remaining
// budget, Clipped is set and no later block is appended. A zero estimator
// falls back to ApproxTokens; a non-positive budget means unlimited.
func BuildDocument(blocks []Block, budget int, estimate TokenEstimator) Document {
	if estimate == nil {
		estimate = ApproxTokens
	}
	doc := Document{Budget: budget}
	var b strings.Builder
	used := 0
	for _, blk := range blocks {
		text := strings.TrimSpace(blk.Text)
		if text == "" {
			continue
		}
		piece := text
		if blk.Label != "" {
			piece = blk.Label + ": " + text
		}
		if b.Len() > 0 {
			piece = blockSeparator + piece
		}
		cost := estimate(piece)
		if budget > 0 && used+cost > budget {
			remaining := budget - used
			cut := truncateToTokens(piece, remaining, estimate)
			if strings.TrimSpace(cut) != "" {
				b.WriteString(cut)
				used += estimate(cut)
			}
			doc.Clipped = true
			break
		}
		b.WriteString(piece)
		used += cost
	}
	doc.Text = b.String()
	doc.TokensUsed = used
	return doc
}

// truncateToTokens returns the longest rune prefix of s whose estimate fits
// within tokens.
func truncateToTokens(s string, tokens int, estimate TokenEstimator) string {
	if tokens <= 0 {
		return ""
	}
	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if estimate(string(runes[:mid])) <= tokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
