package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"intoview/internal/llm"
	"intoview/internal/models"
)

const providerName = "gemini"

// Client represents a Gemini LLM client
type Client struct {
	client *genai.Client
	config *Config
}

func NewClient(config *Config) (*Client, error) {
	ctx := context.Background()

	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, &llm.ProviderError{
			Provider: providerName,
			Code:     llm.ErrCodeAPIKey,
			Message:  "Failed to create Gemini client",
			Err:      err,
		}
	}

	return &Client{
		client: client,
		config: config,
	}, nil
}

// sends the system instruction and user content as a single request
func (c *Client) Generate(ctx context.Context, systemPrompt, userContent string, maxOutputTokens int) (*models.GenerationResponse, error) {
	if strings.TrimSpace(userContent) == "" {
		return nil, &llm.ProviderError{
			Provider: providerName,
			Code:     llm.ErrCodeInvalidInput,
			Message:  "User content is empty",
		}
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.config.Temperature),
	}
	if systemPrompt != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	if maxOutputTokens > 0 {
		genConfig.MaxOutputTokens = int32(maxOutputTokens)
	}

	startTime := time.Now()
	result, err := c.client.Models.GenerateContent(
		ctx,
		c.config.Model,
		[]*genai.Content{genai.NewContentFromText(userContent, genai.RoleUser)},
		genConfig,
	)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	if result == nil {
		return nil, &llm.ProviderError{
			Provider: providerName,
			Code:     llm.ErrCodeInvalidInput,
			Message:  "No response generated",
		}
	}

	text := result.Text()
	if text == "" {
		return nil, &llm.ProviderError{
			Provider: providerName,
			Code:     llm.ErrCodeInvalidInput,
			Message:  "Empty response generated",
		}
	}

	metadata := models.GenerationMetadata{
		Provider:       providerName,
		Model:          c.config.Model,
		ProcessingTime: int(time.Since(startTime).Milliseconds()),
	}
	if len(result.Candidates) > 0 && result.Candidates[0] != nil {
		metadata.FinishReason = string(result.Candidates[0].FinishReason)
	}

	return &models.GenerationResponse{
		Text:     text,
		Metadata: metadata,
	}, nil
}

func (c *Client) GetProviderName() string {
	return providerName
}

func classifyError(ctx context.Context, err error) *llm.ProviderError {
	code, message := llm.ErrCodeServiceDown, "Failed to generate content"
	var apiErr genai.APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		code, message = llm.ErrCodeTimeout, "Generation timed out"
	case errors.As(err, &apiErr):
		code, message = classifyStatus(apiErr.Code)
	// errors without an HTTP status, e.g. from the transport, only carry text
	case isRateLimitError(err):
		code, message = llm.ErrCodeRateLimit, "Rate limit exceeded"
	case isAuthError(err):
		code, message = llm.ErrCodeAPIKey, "API key rejected"
	case isInvalidArgument(err):
		code, message = llm.ErrCodeInvalidInput, "Request rejected by model"
	}
	return &llm.ProviderError{
		Provider: providerName,
		Code:     code,
		Message:  message,
		Err:      err,
	}
}

func classifyStatus(status int) (string, string) {
	switch {
	case status == http.StatusTooManyRequests:
		return llm.ErrCodeRateLimit, "Rate limit exceeded"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return llm.ErrCodeAPIKey, "API key rejected"
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return llm.ErrCodeTimeout, "Generation timed out"
	case status >= 400 && status < 500:
		return llm.ErrCodeInvalidInput, "Request rejected by model"
	default:
		return llm.ErrCodeServiceDown, "Failed to generate content"
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota")
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "api_key_invalid") ||
		strings.Contains(msg, "permission_denied")
}

func isInvalidArgument(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_argument") || strings.Contains(msg, "error 400")
}
