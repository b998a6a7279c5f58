package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/gosuda/datapr/internal/domain"
)

const (
	// historyWindow is how many trailing turns are replayed to the model,
	// enough for follow-up context without unbounded prompt growth.
	historyWindow = 5

	extractFunctionName = "extract_dataset_info"
)

// Gemini extracts dataset slots with a single forced function call.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates the extraction client. The model call is bounded by
// timeout on every Extract.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("extract.NewGemini: %w", err)
	}

	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// extractTool declares the slot schema the model must fill. Descriptions
// mirror the collection cues so the model and the follow-up prompts agree.
func extractTool() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        extractFunctionName,
			Description: "Extract BigQuery dataset creation parameters from the user message",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					domain.SlotDatasetName: {
						Type:        genai.TypeString,
						Description: "The name of the BigQuery dataset. Lowercase letters, digits and underscores only.",
					},
					domain.SlotLocation: {
						Type:        genai.TypeString,
						Description: "The GCP region or multi-region for the dataset (e.g. us-central1, EU, asia-northeast1).",
					},
					domain.SlotLabels: {
						Type:        genai.TypeString,
						Description: "Comma-separated key-value pairs labeling the dataset (e.g. 'env:prod,team:marketing').",
					},
					domain.SlotServiceAccount: {
						Type:        genai.TypeString,
						Description: "The service account email that will own the dataset (e.g. sa-name@project.iam.gserviceaccount.com).",
					},
				},
			},
		}},
	}
}

func (g *Gemini) Extract(ctx context.Context, message string, history []domain.Message) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := buildPrompt(message, history)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0.1)),
		TopP:            genai.Ptr(float32(0.95)),
		MaxOutputTokens: 1024,
		Tools:           []*genai.Tool{extractTool()},
	})
	if err != nil {
		return nil, fmt.Errorf("extract.Gemini.Extract: generate: %w", err)
	}

	calls := resp.FunctionCalls()
	for _, call := range calls {
		if call.Name != extractFunctionName {
			continue
		}

		fields := make(map[string]string, len(call.Args))
		for k, v := range call.Args {
			s, ok := v.(string)
			if !ok {
				continue
			}
			fields[k] = strings.TrimSpace(s)
		}
		return fields, nil
	}

	log.Warn().Str("model", g.model).Msg("model response contained no extraction call")
	return nil, fmt.Errorf("extract.Gemini.Extract: no function call in response: %w", ErrExtraction)
}

// buildPrompt assembles the extraction prompt with a bounded history window.
func buildPrompt(message string, history []domain.Message) string {
	var b strings.Builder

	b.WriteString(`You are a helpful assistant that extracts BigQuery dataset creation parameters from user messages.

Extract the following information:
1. dataset_name: the name of the dataset (lowercase letters, digits, underscores only)
2. location: GCP region (e.g. us-central1, EU, asia-northeast1)
3. labels: key-value pairs for labeling (format "key:value" or "key=value")
4. service_account: service account email for dataset ownership

Only extract fields that are explicitly mentioned. Leave fields empty if not provided.
`)

	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if len(history) > 0 {
		b.WriteString("\nPrevious conversation:\n")
		for _, msg := range history {
			b.WriteString(strings.ToUpper(string(msg.Role)))
			b.WriteString(": ")
			b.WriteString(msg.Text)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nCurrent user message:\n")
	b.WriteString(message)
	b.WriteString("\n\nExtract all available dataset parameters from the conversation.")

	return b.String()
}
