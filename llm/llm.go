package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Config struct {
	APIKey         string
	Model          string
	PromptTemplate string
	Providers      []string
	BaseURL        string // defaults to OpenRouter
}

var config *Config

func Init(cfg *Config) {
	config = cfg
}

// OpenRouter API structures
type Message struct {
	Role    string    `json:"role"`
	Content []Content `json:"content"`
}

type Content struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ProviderPreferences struct {
	Order          []string `json:"order,omitempty"`
	Quantizations  []string `json:"quantizations,omitempty"`
	AllowFallbacks *bool    `json:"allow_fallbacks,omitempty"`
}

type ChatRequest struct {
	Model       string               `json:"model"`
	Messages    []Message            `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens"`
	Provider    *ProviderPreferences `json:"provider,omitempty"`
}

type ChatResponse struct {
	Choices []Choice  `json:"choices"`
	Error   *APIError `json:"error,omitempty"`
}

type Choice struct {
	Message ResponseMessage `json:"message"`
}

type ResponseMessage struct {
	Content string `json:"content"`
}

type APIError struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code"` // Can be string or number
}

const (
	openRouterURL = "https://openrouter.ai/api/v1/chat/completions"
	maxRetries    = 3
	initialDelay  = 1 * time.Second
	noTextMarker  = "NO_TEXT_FOUND"
)

var httpClient = &http.Client{Timeout: 45 * time.Second}

// getProviderPreferences returns provider preferences based on config
func getProviderPreferences() *ProviderPreferences {
	if config == nil || len(config.Providers) == 0 {
		// No providers specified, use default OpenRouter routing
		return nil
	}

	allowFallbacks := false
	return &ProviderPreferences{
		Order:          config.Providers,
		AllowFallbacks: &allowFallbacks,
	}
}

// QueryVision sends a PNG frame to the vision model for OCR. Language
// hints steer recognition of non-Latin chat.
func QueryVision(ctx context.Context, imageData []byte, languages []string) (string, error) {
	if err := checkReady(); err != nil {
		return "", err
	}

	base64Image := base64.StdEncoding.EncodeToString(imageData)
	imageURL := fmt.Sprintf("data:image/png;base64,%s", base64Image)

	prompt := "Perform OCR on this image. Return ONLY the raw extracted text with:\n" +
		"- No formatting\n" +
		"- No XML/HTML tags\n" +
		"- No markdown\n" +
		"- No explanations\n" +
		"- Preserve line breaks accurately from the visual layout.\n" +
		"If no text found, return '" + noTextMarker + "'"
	if len(languages) > 0 {
		prompt += "\nThe text is in-game chat; expected languages: " + strings.Join(languages, ", ") + "."
	}

	request := ChatRequest{
		Model: config.Model,
		Messages: []Message{
			{
				Role: "user",
				Content: []Content{
					{Type: "text", Text: prompt},
					{Type: "image_url", ImageURL: &ImageURL{URL: imageURL}},
				},
			},
		},
		Temperature: 0.1,
		MaxTokens:   2000,
		Provider:    getProviderPreferences(),
	}

	response, err := requestWithRetry(ctx, request)
	if err != nil {
		return "", err
	}

	extractedText := response.Choices[0].Message.Content
	if extractedText == "" || strings.TrimSpace(extractedText) == noTextMarker {
		return "", fmt.Errorf("no text detected in image")
	}
	return cleanExtractedText(extractedText), nil
}

// VerifyText runs recognized text through the configured model using the
// prompt template ({text} placeholder). The token cap follows the input
// length so a short chat line cannot balloon into an essay.
func VerifyText(ctx context.Context, text string) (string, error) {
	if err := checkReady(); err != nil {
		return "", err
	}
	if text == "" {
		return "", nil
	}

	template := config.PromptTemplate
	if template == "" {
		template = "{text}"
	}
	prompt := strings.ReplaceAll(template, "{text}", text)

	maxTokens := len(text)
	if maxTokens > 128 {
		maxTokens = 128
	}

	request := ChatRequest{
		Model: config.Model,
		Messages: []Message{
			{
				Role:    "user",
				Content: []Content{{Type: "text", Text: prompt}},
			},
		},
		Temperature: 0.1,
		MaxTokens:   maxTokens,
		Provider:    getProviderPreferences(),
	}

	response, err := requestWithRetry(ctx, request)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

func checkReady() error {
	if config == nil {
		return fmt.Errorf("LLM client not initialized")
	}
	if config.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if config.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

func requestWithRetry(ctx context.Context, request ChatRequest) (*ChatResponse, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initialDelay

	operation := func() (*ChatResponse, error) {
		response, err := makeAPIRequest(ctx, request)
		if err != nil {
			return nil, err
		}
		if len(response.Choices) == 0 {
			return nil, fmt.Errorf("no choices in API response")
		}
		return response, nil
	}

	response, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(maxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed after %d attempts: %w", maxRetries, err)
	}
	return response, nil
}

func makeAPIRequest(ctx context.Context, request ChatRequest) (*ChatResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	url := config.BaseURL
	if url == "" {
		url = openRouterURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", config.APIKey))
	req.Header.Set("HTTP-Referer", "https://github.com/Warner231936/readingrabbit")
	req.Header.Set("X-Title", "ReadingRabbit")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	var response ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if response.Error != nil {
		apiErr := fmt.Errorf("API error: %s (type: %s, code: %v)", response.Error.Message, response.Error.Type, response.Error.Code)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(apiErr)
		}
		return nil, apiErr
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	return &response, nil
}

func cleanExtractedText(text string) string {
	// Strip stray image tags some providers echo back
	if text == "</image>" {
		return ""
	}
	if len(text) > 8 && text[len(text)-8:] == "</image>" {
		text = text[:len(text)-8]
	}
	return strings.TrimSpace(text)
}
