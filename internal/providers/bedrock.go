package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// BedrockProvider implements LLMProvider for AWS Bedrock via the
// ConverseStream API. It is a third interchangeable backend, selectable
// per-tier when an installation keys inference off AWS credentials instead
// of direct vendor APIs.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	base         BaseProvider
}

// BedrockConfig holds configuration for the Bedrock provider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// NewBedrockProvider creates a Bedrock provider using explicit credentials
// when given, otherwise the default AWS credential chain.
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-haiku-20240307-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider("bedrock", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns the provider name.
func (p *BedrockProvider) Name() string { return "bedrock" }

// Models returns the models this provider serves. Actual availability
// depends on the AWS account's model access.
func (p *BedrockProvider) Models() []Model {
	return []Model{
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Name: "Claude 3 Sonnet (Bedrock)", ContextSize: 200000},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000},
		{ID: "meta.llama3-8b-instruct-v1:0", Name: "Llama 3 8B (Bedrock)", ContextSize: 8192},
	}
}

// Complete sends a completion request and returns a streaming response.
func (p *BedrockProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.client == nil {
		return nil, NewProviderError("bedrock", req.Model, errors.New("bedrock client not initialized"))
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(req.Messages),
	}
	if req.System != "" {
		converseReq.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 {
		converseReq.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(req.MaxTokens)),
		}
	}
	if len(req.Tools) > 0 {
		converseReq.ToolConfig = convertBedrockTools(req.Tools)
	}

	var stream *bedrockruntime.ConverseStreamOutput
	err := p.base.Retry(ctx, bedrockRetryable, func() error {
		var callErr error
		stream, callErr = p.client.ConverseStream(ctx, converseReq)
		if callErr != nil {
			return NewProviderError("bedrock", model, callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *BedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- *CompletionChunk, model string) {
	defer close(chunks)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentToolCall *ToolCall
	var toolInput strings.Builder

	for {
		select {
		case <-ctx.Done():
			chunks <- &CompletionChunk{Error: ctx.Err(), Done: true}
			return
		case event, ok := <-eventStream.Events():
			if !ok {
				if err := eventStream.Err(); err != nil {
					chunks <- &CompletionChunk{Error: NewProviderError("bedrock", model, err), Done: true}
				} else {
					chunks <- &CompletionChunk{Done: true}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolCall = &ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- &CompletionChunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentToolCall != nil && currentToolCall.ID != "" {
					currentToolCall.Input = json.RawMessage(toolInput.String())
					chunks <- &CompletionChunk{ToolCall: currentToolCall}
					currentToolCall = nil
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				chunks <- &CompletionChunk{Done: true}
				return
			}
		}
	}
}

// bedrockRetryable recognizes AWS throttling and transient service errors
// by their smithy API error codes before falling back to the generic
// classifier.
func bedrockRetryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailableException",
			"InternalServerException", "ModelNotReadyException":
			return true
		}
	}
	return IsRetryable(err)
}

func convertBedrockMessages(messages []CompletionMessage) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tr := range msg.ToolResults {
			status := types.ToolResultStatusSuccess
			if tr.IsError {
				status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(tr.ToolCallID),
					Status:    status,
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: tr.Content},
					},
				},
			})
		}
		for _, tc := range msg.ToolCalls {
			var input any
			if len(tc.Input) > 0 {
				_ = json.Unmarshal(tc.Input, &input)
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func convertBedrockTools(tools []ToolDef) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}
