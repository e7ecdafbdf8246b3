package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"hivemind/internal/logging"
)

// ===== GEMINI ADVISOR =====

// Gemini proposes experiments via the Google GenAI API. Any failure along the
// way (transport, malformed JSON, refusal) is logged and reported as "no
// proposal" so worker loops are never blocked on the advisor.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates a Gemini-backed advisor.
func NewGemini(apiKey, model string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini advisor requires an API key")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// ProposeExperiment asks the model for one structured experiment proposal.
func (g *Gemini) ProposeExperiment(ctx context.Context, workerName string, workerContext map[string]interface{}) (*Spec, error) {
	timer := logging.StartTimer(logging.CategoryAdvisor, "ProposeExperiment")
	defer timer.StopWithThreshold(5 * time.Second)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := buildPrompt(workerName, workerContext)
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		logging.Get(logging.CategoryAdvisor).Warn("gemini call failed for %s: %v", workerName, err)
		return nil, nil
	}

	text := result.Text()
	spec, err := parseSpec(text)
	if err != nil {
		logging.Get(logging.CategoryAdvisor).Warn("unparseable proposal for %s: %v", workerName, err)
		return nil, nil
	}
	logging.AdvisorDebug("proposal for %s: %s (confidence %.2f)", workerName, spec.Name, spec.Confidence)
	return spec, nil
}

func buildPrompt(workerName string, workerContext map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString("You advise an autonomous background worker named \"")
	sb.WriteString(workerName)
	sb.WriteString("\" on process experiments. Propose exactly one small, reversible experiment ")
	sb.WriteString("it could run in place of its normal cycle.\n\n")

	if len(workerContext) > 0 {
		if data, err := json.MarshalIndent(workerContext, "", "  "); err == nil {
			sb.WriteString("Worker context:\n")
			sb.Write(data)
			sb.WriteString("\n\n")
		}
	}

	sb.WriteString("Respond with a single JSON object and nothing else:\n")
	sb.WriteString(`{
  "name": "short-kebab-case-name",
  "hypothesis": "what you expect to improve and why",
  "approach": "concrete steps for one cycle",
  "metric_names": ["measurable metrics"],
  "risk_level": "low|medium|high",
  "rollback_plan": "how to undo the change",
  "confidence": 0.0
}`)
	return sb.String()
}

// parseSpec extracts a Spec from model output, tolerating fenced code blocks.
func parseSpec(text string) (*Spec, error) {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "{"); idx > 0 {
		text = text[idx:]
	}
	if idx := strings.LastIndex(text, "}"); idx >= 0 {
		text = text[:idx+1]
	}
	var spec Spec
	if err := json.Unmarshal([]byte(text), &spec); err != nil {
		return nil, fmt.Errorf("invalid proposal JSON: %w", err)
	}
	return &spec, nil
}
