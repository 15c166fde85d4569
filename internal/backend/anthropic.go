package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// AnthropicConfig contains configuration for creating an Anthropic backend.
type AnthropicConfig struct {
	// Model is the Claude model to use.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseAWSBedrock routes calls through AWS Bedrock instead of the direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g. "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// Anthropic is an Invoker backed by the Anthropic Messages API, optionally
// over AWS Bedrock.
type Anthropic struct {
	inner anthropic.Client
	model anthropic.Model
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	return &Anthropic{
		inner: anthropic.NewClient(opts...),
		model: model,
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to
// Bedrock cross-region inference profile format.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// scoredOutput is the shape callers instruct the model to reply with when
// they want a confidence score alongside the payload.
type scoredOutput struct {
	Payload    json.RawMessage `json:"payload"`
	Confidence float64         `json:"confidence"`
}

// Invoke sends the prompt and returns the model output with API-reported
// unit counts. When the model replies with a {"payload":..., "confidence":...}
// object, the confidence is lifted into the response and the inner payload
// becomes the response payload.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxUnits
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	resp, err := a.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("anthropic call: %w", ErrTimeout)
		}
		return Response{}, fmt.Errorf("anthropic call: %v: %w", err, ErrUnavailable)
	}

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}

	out := Response{
		Payload:     text,
		InputUnits:  resp.Usage.InputTokens,
		OutputUnits: resp.Usage.OutputTokens,
	}
	var scored scoredOutput
	if err := json.Unmarshal([]byte(text), &scored); err == nil && scored.Payload != nil {
		out.Payload = string(scored.Payload)
		out.Confidence = scored.Confidence
	}
	return out, nil
}

// Compile-time verification that Anthropic implements Invoker.
var _ Invoker = (*Anthropic)(nil)
