package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// DefaultBedrockModel is used when a request does not name a model.
const DefaultBedrockModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

// converser is the subset of the Bedrock runtime client used here.
type converser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock submits images through the Bedrock Converse API using the default AWS credential chain.
type Bedrock struct {
	client converser
}

var _ Model = (*Bedrock)(nil)

// NewBedrock loads the shared AWS config, overriding the region when given.
func NewBedrock(ctx context.Context, region string) (*Bedrock, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Bedrock{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

// Submit sends the prompt and images as content blocks of one user message.
func (b *Bedrock) Submit(ctx context.Context, req Request) (Response, error) {
	content := make([]types.ContentBlock, 0, len(req.Images)+1)
	content = append(content, &types.ContentBlockMemberText{Value: req.Prompt})
	for i, img := range req.Images {
		data, err := img.Bytes()
		if err != nil {
			return Response{}, fmt.Errorf("image %d: %w", i, err)
		}
		content = append(content, &types.ContentBlockMemberImage{Value: types.ImageBlock{
			Format: bedrockImageFormat(img.MediaType),
			Source: &types.ImageSourceMemberBytes{Value: data},
		}})
	}

	model := req.Model
	if model == "" {
		model = DefaultBedrockModel
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{
			{Role: types.ConversationRoleUser, Content: content},
		},
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}

	out, err := b.client.Converse(ctx, input)
	if err != nil {
		var throttled *types.ThrottlingException
		return Response{}, wrapRateLimit(fmt.Errorf("bedrock converse: %w", err), errors.As(err, &throttled))
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return Response{}, errors.New("bedrock converse: unexpected output type")
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			text.WriteString(t.Value)
		}
	}

	resp := Response{Text: text.String()}
	if out.Usage != nil {
		resp.InputTokens = int64(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int64(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

func bedrockImageFormat(mediaType string) types.ImageFormat {
	switch mediaType {
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg
	case "image/gif":
		return types.ImageFormatGif
	case "image/webp":
		return types.ImageFormatWebp
	default:
		return types.ImageFormatPng
	}
}
