package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
)

// Vision invokes the vendor's vision model over one receipt image and
// returns its raw text output, which must still pass the airlock.
type Vision interface {
	ExtractReceipt(ctx context.Context, image []byte, mediaType string, merchants []string) (string, error)
}

// BatchSubmitter starts one asynchronous batch job over a prepared
// manifest and returns the vendor-assigned job id.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, intent ids.IntentId, modelId, manifestUri, outputUri string) (ids.JobId, error)
}

// BedrockAPI is the slice of the bedrockruntime client the OCR paths use.
type BedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	StartAsyncInvoke(ctx context.Context, params *bedrockruntime.StartAsyncInvokeInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.StartAsyncInvokeOutput, error)
}

// BedrockVision implements Vision and BatchSubmitter against Bedrock.
type BedrockVision struct {
	Client  BedrockAPI
	ModelId string
}

var _ Vision = &BedrockVision{}
var _ BatchSubmitter = &BedrockVision{}

// anthropicRequest is the messages-API request body of the Claude models.
type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (v *BedrockVision) ExtractReceipt(ctx context.Context, image []byte, mediaType string, merchants []string) (string, error) {
	var body, err = json.Marshal(anthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1024,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []anthropicContent{
				{
					Type: "image",
					Source: &anthropicSource{
						Type:      "base64",
						MediaType: mediaType,
						Data:      base64.StdEncoding.EncodeToString(image),
					},
				},
				{Type: "text", Text: ExtractionPrompt(merchants)},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("encoding model request: %w", err)
	}

	out, err := v.Client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(v.ModelId),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("invoking vision model: %w", err)
	}

	var resp anthropicResponse
	if err = json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("decoding model response: %w", err)
	}
	for _, content := range resp.Content {
		if content.Type == "text" {
			return content.Text, nil
		}
	}
	return "", fmt.Errorf("model response carries no text content")
}

func (v *BedrockVision) SubmitBatch(ctx context.Context, intent ids.IntentId, modelId, manifestUri, outputUri string) (ids.JobId, error) {
	var out, err = v.Client.StartAsyncInvoke(ctx, &bedrockruntime.StartAsyncInvokeInput{
		ModelId:            aws.String(modelId),
		ClientRequestToken: aws.String(string(intent)),
		ModelInput: document.NewLazyDocument(map[string]interface{}{
			"manifestUri": manifestUri,
		}),
		OutputDataConfig: &types.AsyncInvokeOutputDataConfigMemberS3OutputDataConfig{
			Value: types.AsyncInvokeS3OutputDataConfig{S3Uri: aws.String(outputUri)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("starting async invoke: %w", err)
	}

	// The job id is the trailing segment of the invocation ARN.
	var arn = aws.ToString(out.InvocationArn)
	if slash := strings.LastIndexByte(arn, '/'); slash >= 0 {
		arn = arn[slash+1:]
	}
	if arn == "" {
		return "", fmt.Errorf("async invoke returned an empty invocation ARN")
	}
	return ids.JobId(arn), nil
}

// ExtractionPrompt is the fixed instruction given to the vision model.
// |merchants| seeds recognition of common merchant names.
func ExtractionPrompt(merchants []string) string {
	var b strings.Builder
	b.WriteString("Extract the receipt in this image as a single JSON object with exactly these fields:\n")
	b.WriteString(`{"amount": <total in minor units, integer>, "type": "income"|"expense", `)
	b.WriteString(`"date": "YYYY-MM-DD", "merchant": "<store name>", "category": "<one of: `)
	b.WriteString(strings.Join(ledger.Categories, ", "))
	b.WriteString(`>", "description": "<short summary>"}` + "\n")
	b.WriteString("Respond with the JSON object only, no code fences and no commentary.\n")
	if len(merchants) != 0 {
		b.WriteString("Known merchants, preferred verbatim when they match: ")
		b.WriteString(strings.Join(merchants, ", "))
		b.WriteString("\n")
	}
	return b.String()
}
