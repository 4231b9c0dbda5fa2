package chat

import (
	"strings"

	"prism/internal/graph"
)

var greetingPhrases = []string{
	"hello", "hi", "hey", "good morning", "good afternoon", "good evening",
	"howdy", "what's up", "whats up", "yo",
}

var codeKeywords = []string{
	"function", "code", "compile", "debug", "stack trace", "error message",
	"implement", "refactor", "regex", "sql", "python", "golang", "javascript",
	"api endpoint", "unit test", "segfault", "panic",
}

var researchKeywords = []string{
	"compare", "analysis", "research", "in depth", "comprehensive",
	"pros and cons", "trade-off", "tradeoff", "literature", "survey",
}

var factualStarters = []string{
	"who", "what", "when", "where", "which", "how many", "how much",
}

// classifyIntent is the heuristic classifier: cheap, deterministic, and good
// enough to route between the canned-greeting path and full generation.
func classifyIntent(query string) (graph.Intent, float64) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return graph.IntentConversational, 0
	}

	stripped := strings.Trim(q, "!.?, ")
	for _, g := range greetingPhrases {
		if stripped == g || strings.HasPrefix(stripped, g+" ") && len(stripped) < len(g)+10 {
			return graph.IntentGreeting, 0.05
		}
	}

	complexity := queryComplexity(q)

	for _, kw := range researchKeywords {
		if strings.Contains(q, kw) {
			return graph.IntentResearch, maxf(complexity, 0.7)
		}
	}
	for _, kw := range codeKeywords {
		if strings.Contains(q, kw) {
			return graph.IntentCode, maxf(complexity, 0.5)
		}
	}
	for _, starter := range factualStarters {
		if strings.HasPrefix(q, starter+" ") {
			return graph.IntentFactual, complexity
		}
	}
	return graph.IntentConversational, complexity
}

// queryComplexity maps query shape to [0,1]: longer, multi-clause,
// multi-question prompts score higher.
func queryComplexity(q string) float64 {
	words := len(strings.Fields(q))
	c := float64(words) / 60.0

	c += 0.1 * float64(strings.Count(q, "?"))
	for _, conj := range []string{" and ", " but ", " versus ", " vs ", "; "} {
		c += 0.08 * float64(strings.Count(q, conj))
	}

	if c > 1 {
		c = 1
	}
	if c < 0.05 {
		c = 0.05
	}
	return c
}

// taskTypeFor maps an intent onto the model-selection task type.
func taskTypeFor(intent graph.Intent) string {
	switch intent {
	case graph.IntentGreeting:
		return "greeting"
	case graph.IntentCode:
		return "code"
	case graph.IntentResearch:
		return "research"
	case graph.IntentFactual:
		return "factual"
	default:
		return "chat"
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
