package llm

import (
	"fmt"
	"strings"

	"github.com/backlogai/backlogd/internal/types"
)

// minTokenOverlap is the number of shared significant tokens required to
// consider a source as supporting a claim.
const minTokenOverlap = 2

// maxCitationsPerClaim caps how many sources a single claim may cite.
const maxCitationsPerClaim = 3

// tokenize extracts significant lowercase tokens (length > 3) from text.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, word := range strings.Fields(text) {
		word = strings.ToLower(strings.Trim(word, ".,:;!?()[]{}\"'"))
		if len(word) > 3 {
			tokens[word] = true
		}
	}
	return tokens
}

// buildCitationMap matches each research claim against the brief's
// sources by token overlap. Keys are "<section>:<index>", values are
// supporting source ids.
func buildCitationMap(brief types.ResearchBrief) map[string][]int {
	citations := make(map[string][]int)
	if len(brief.SourceDetails) == 0 {
		return citations
	}

	type sourceTokens struct {
		id     int
		tokens map[string]bool
	}
	sources := make([]sourceTokens, 0, len(brief.SourceDetails))
	for _, src := range brief.SourceDetails {
		text := strings.TrimSpace(strings.Join([]string{src.Title, src.Snippet, src.Domain}, " "))
		sources = append(sources, sourceTokens{id: src.ID, tokens: tokenize(text)})
	}

	sections := []struct {
		name   string
		claims []string
	}{
		{"trends", brief.Trends},
		{"competitor_features", brief.CompetitorFeatures},
		{"differentiators", brief.Differentiators},
		{"risks", brief.Risks},
	}

	for _, section := range sections {
		for idx, claim := range section.claims {
			claimTokens := tokenize(claim)
			if len(claimTokens) == 0 {
				continue
			}
			var matched []int
			for _, src := range sources {
				overlap := 0
				for tok := range claimTokens {
					if src.tokens[tok] {
						overlap++
					}
				}
				if overlap >= minTokenOverlap {
					matched = append(matched, src.id)
					if len(matched) == maxCitationsPerClaim {
						break
					}
				}
			}
			if len(matched) > 0 {
				citations[fmt.Sprintf("%s:%d", section.name, idx)] = matched
			}
		}
	}
	return citations
}
