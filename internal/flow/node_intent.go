package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowDesk/internal/genai"
	"github.com/BTreeMap/FlowDesk/internal/models"
)

// Confidence levels assigned by the two classification paths.
const (
	intentConfidenceLLMExact   = 0.85
	intentConfidenceLLMFuzzy   = 0.7
	intentConfidencePhrase     = 0.9
	intentConfidenceAllTokens  = 0.8
	intentConfidenceMostTokens = 0.7
	intentConfidenceSomeTokens = 0.6
	intentUnknownLabel         = "unknown"
)

type intentCandidate struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Keywords []string `json:"keywords,omitempty"`
}

type intentConfig struct {
	Candidates []intentCandidate `json:"candidates"`
	// Mode selects the classification path: llm (default, with keyword
	// fallback on failure) or keyword.
	Mode         string `json:"mode,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// intentNode classifies the query against the configured candidates and
// routes on the matched candidate id. Writes the resolved label, id, and
// confidence into the context.
type intentNode struct {
	cfg intentConfig
	ai  genai.ClientInterface
}

func newIntentNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c intentConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	return &intentNode{cfg: c, ai: deps.GenAI}, nil
}

func (n *intentNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	if len(n.cfg.Candidates) == 0 {
		n.record(ec, "", intentUnknownLabel, 0)
		return &NodeResult{Output: ec.Input(), RouteKey: models.RouteDefault}, nil
	}

	query := ec.Query
	var id, label string
	var confidence float64

	if n.cfg.Mode != "keyword" && n.ai != nil {
		id, label, confidence = n.classifyLLM(ctx, query)
	}
	if id == "" {
		id, label, confidence = n.classifyKeywords(query)
	}
	if id == "" {
		n.record(ec, "", intentUnknownLabel, 0)
		slog.Debug("flow.intentNode: no candidate matched", "sessionID", ec.SessionID)
		return &NodeResult{Output: ec.Input(), RouteKey: models.RouteDefault}, nil
	}

	n.record(ec, id, label, confidence)
	slog.Debug("flow.intentNode: intent resolved", "intent", label, "id", id, "confidence", confidence)
	return &NodeResult{Output: label, RouteKey: id}, nil
}

func (n *intentNode) record(ec *ExecutionContext, id, label string, confidence float64) {
	ec.Intent = label
	ec.IntentID = id
	ec.IntentConfidence = confidence
}

// classifyLLM asks the model to pick one candidate label. Returns zero
// values on failure so the keyword path can take over.
func (n *intentNode) classifyLLM(ctx context.Context, query string) (string, string, float64) {
	var labels []string
	for _, c := range n.cfg.Candidates {
		labels = append(labels, c.Label)
	}
	system := n.cfg.SystemPrompt
	if system == "" {
		system = "Classify the user's message into exactly one of the given intents."
	}
	prompt := fmt.Sprintf("%s\nIntents: %s\nReply with the single best matching intent label, or \"none\" if nothing fits.",
		system, strings.Join(labels, ", "))

	reply, err := n.ai.GeneratePrompt(ctx, prompt, query)
	if err != nil {
		slog.Warn("flow.intentNode: LLM classification failed, falling back to keywords", "error", err)
		return "", "", 0
	}
	answer := strings.TrimSpace(strings.Trim(reply, `"'.`))
	if answer == "" || strings.EqualFold(answer, "none") {
		return "", "", 0
	}
	for _, c := range n.cfg.Candidates {
		if strings.EqualFold(answer, c.Label) {
			return c.ID, c.Label, intentConfidenceLLMExact
		}
	}
	lower := strings.ToLower(answer)
	for _, c := range n.cfg.Candidates {
		cl := strings.ToLower(c.Label)
		if strings.Contains(lower, cl) || strings.Contains(cl, lower) {
			return c.ID, c.Label, intentConfidenceLLMFuzzy
		}
	}
	return "", "", 0
}

// classifyKeywords scores each candidate by how much of its label or
// keywords appear in the query and returns the strongest match.
func (n *intentNode) classifyKeywords(query string) (string, string, float64) {
	lowerQuery := strings.ToLower(query)
	bestConfidence := 0.0
	var bestID, bestLabel string
	for _, c := range n.cfg.Candidates {
		score := scoreCandidate(lowerQuery, c)
		if score > bestConfidence {
			bestConfidence = score
			bestID, bestLabel = c.ID, c.Label
		}
	}
	if bestConfidence == 0 {
		return "", "", 0
	}
	return bestID, bestLabel, bestConfidence
}

func scoreCandidate(lowerQuery string, c intentCandidate) float64 {
	phrases := append([]string{c.Label}, c.Keywords...)
	best := 0.0
	for _, phrase := range phrases {
		lowerPhrase := strings.ToLower(strings.TrimSpace(phrase))
		if lowerPhrase == "" {
			continue
		}
		if strings.Contains(lowerQuery, lowerPhrase) {
			return intentConfidencePhrase
		}
		tokens := strings.Fields(lowerPhrase)
		if len(tokens) == 0 {
			continue
		}
		hits := 0
		for _, t := range tokens {
			if strings.Contains(lowerQuery, t) {
				hits++
			}
		}
		var score float64
		switch {
		case hits == len(tokens):
			score = intentConfidenceAllTokens
		case hits*2 >= len(tokens):
			score = intentConfidenceMostTokens
		case hits > 0:
			score = intentConfidenceSomeTokens
		}
		if score > best {
			best = score
		}
	}
	return best
}
