package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/crm-prospector/internal/config"
	apperrors "github.com/crm-prospector/internal/errors"
	"github.com/crm-prospector/internal/models"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// ErrAPIKeyNotSet is returned when the OpenAI provider is enabled without a key
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

const openAIPrompt = `You are a B2B lead research assistant.
Return a JSON object {"leads": [...]} with up to %d leads matching the request below.
Each lead has the string fields name, title, company, domain, email, phone, country,
industry, linkedinUrl and the integer field employeeCount. Omit unknown fields.

Request: %s
Filters: %s`

// OpenAISearcher asks a chat model for leads in JSON object mode
type OpenAISearcher struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAISearcher creates the provider. Retries are left to the job
// runner, so the SDK's own retry loop is disabled.
func NewOpenAISearcher(cfg config.OpenAIConfig) (*OpenAISearcher, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAISearcher{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
	}, nil
}

// Name implements Searcher
func (s *OpenAISearcher) Name() string { return "openai" }

type openAILeads struct {
	Leads []models.Lead `json:"leads"`
}

// Search implements Searcher
func (s *OpenAISearcher) Search(ctx context.Context, req *SearchRequest) ([]models.Lead, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filters := "{}"
	if len(req.Filters) > 0 {
		data, err := json.Marshal(req.Filters)
		if err != nil {
			return nil, apperrors.NewInvalidParameterError("filters", err.Error())
		}
		filters = string(data)
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(fmt.Sprintf(openAIPrompt, models.ClampProspectSize(req.Size), req.Prompt, filters)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	}

	completion, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, s.categorize(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return nil, apperrors.NewProviderError(s.Name(), errors.New("no completion choices returned"))
	}

	var out openAILeads
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, apperrors.NewProviderError(s.Name(), fmt.Errorf("malformed JSON response: %w", err))
	}
	for i := range out.Leads {
		out.Leads[i].Source = s.Name()
	}
	return out.Leads, nil
}

func (s *OpenAISearcher) categorize(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return apperrors.NewProviderTimeoutError(s.Name(), s.timeout.String())
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return apperrors.NewProviderRateLimitError(s.Name())
	}
	return apperrors.NewProviderError(s.Name(), err)
}
