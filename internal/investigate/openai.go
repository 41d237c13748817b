package investigate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// ErrMissingAPIKey is returned when the OpenAI investigator has no key.
var ErrMissingAPIKey = errors.New("investigate: missing OpenAI API key")

// OpenAIConfig configures the OpenAI investigator.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAI asks a hosted model for the report and validates its answer.
type OpenAI struct {
	client *openai.Client
	config OpenAIConfig
	lib    Library
}

// NewOpenAI creates the OpenAI investigator.
func NewOpenAI(cfg OpenAIConfig, lib Library) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)

	return &OpenAI{
		client: &client,
		config: cfg,
		lib:    lib,
	}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return TypeOpenAI }

// Investigate sends the payload with the report schema as structured output
// format, then shape-checks the returned report.
func (o *OpenAI) Investigate(ctx context.Context, _ string, p Payload) (*Report, error) {
	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	result, err := o.client.Responses.New(ctx, o.buildParams(p))
	if err != nil {
		return nil, fmt.Errorf("openai investigate: %w", err)
	}

	return ParseReport([]byte(stripFences(result.OutputText())))
}

func (o *OpenAI) buildParams(p Payload) responses.ResponseNewParams {
	input := responses.ResponseInputParam{
		responses.ResponseInputItemParamOfMessage(o.lib.SystemPrompt, responses.EasyInputMessageRoleSystem),
		responses.ResponseInputItemParamOfMessage(o.lib.UserPrompt(p), responses.EasyInputMessageRoleUser),
	}

	return responses.ResponseNewParams{
		Model: shared.ResponsesModel(o.config.Model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: input,
		},
		Temperature: openai.Float(o.config.Temperature),
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   ReportSchemaName,
					Schema: ReportSchema(),
					Strict: openai.Bool(true),
				},
			},
		},
	}
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
