package tips

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const promptTemplate = `You are a concise study companion. Using the context below, provide one actionable tip (at most two sentences) that helps the user stay focused or take care of their wellbeing.

Context:
- Mood: %s
- Confidence Score: %s
- Room Temperature (C): %.1f
- Noise Level (0-1): %.2f
- Focus Level (0-10): %d
- Timer Method: %s
- Student Mode Enabled: %s

Avoid filler language and keep the tone encouraging.`

// GeminiGenerator implements Generator against the Gemini generateContent
// REST endpoint.
type GeminiGenerator struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// GeminiOption configures the generator.
type GeminiOption func(*GeminiGenerator)

// WithGeminiEndpoint overrides the API base URL (used by tests).
func WithGeminiEndpoint(endpoint string) GeminiOption {
	return func(g *GeminiGenerator) { g.endpoint = endpoint }
}

// NewGeminiGenerator creates a generator for the given model, defaulting to
// gemini-2.0-flash.
func NewGeminiGenerator(apiKey, model string, opts ...GeminiOption) *GeminiGenerator {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	g := &GeminiGenerator{
		apiKey:   apiKey,
		model:    model,
		endpoint: "https://generativelanguage.googleapis.com/v1beta",
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig geminiGenConfig  `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate renders the prompt and asks the model for one tip.
func (g *GeminiGenerator) Generate(ctx context.Context, tc Context) (string, error) {
	confidence := "unknown"
	if tc.Confidence != nil {
		confidence = fmt.Sprintf("%.2f", *tc.Confidence)
	}
	student := "no"
	if tc.IsStudent {
		student = "yes"
	}
	mood := tc.Mood
	if mood == "" {
		mood = "balanced"
	}
	timer := tc.TimerMethod
	if timer == "" {
		timer = "pomodoro"
	}

	prompt := fmt.Sprintf(promptTemplate,
		mood, confidence, tc.RoomTemperature, tc.NoisePollution, tc.FocusLevel, timer, student)

	body, err := json.Marshal(geminiRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenConfig{Temperature: 0.35, MaxOutputTokens: 160},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.endpoint, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gemini returned %d: %s", resp.StatusCode, raw)
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if gr.Error != nil {
		return "", fmt.Errorf("gemini error: %s", gr.Error.Message)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty gemini response")
	}
	return strings.TrimSpace(gr.Candidates[0].Content.Parts[0].Text), nil
}
