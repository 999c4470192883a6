package engine

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"thinkserver/config"
	"thinkserver/model"
	"thinkserver/providers/anthropic"
	"thinkserver/providers/bedrock"
	"thinkserver/providers/openaichat"
	"thinkserver/providers/openairesponses"
)

// defaultModelFor picks the underlying model id a provider-level client
// falls back to when a request does not set model.Request.Model, which in
// this engine never happens in practice — every call routes through the
// registry's resolved Underlying/StageModel id. The first configured model
// is enough to satisfy adapter constructors that require a non-empty
// default.
func defaultModelFor(pc config.ProviderConfig) string {
	if len(pc.Models) == 0 {
		return ""
	}
	return pc.Models[0].Underlying
}

func defaultMaxTokensFor(pc config.ProviderConfig) int64 {
	for _, m := range pc.Models {
		if m.MaxTokens > 0 {
			return int64(m.MaxTokens)
		}
	}
	return 4096
}

// buildClient constructs the concrete model.Client for one configured
// provider instance, dispatching on its wire variant. It reads the
// provider's credential from the environment variable named by APIKeyEnv;
// the bedrock variant instead loads the default AWS credential chain,
// optionally pinned to Region.
func buildClient(pc config.ProviderConfig) (model.Client, error) {
	switch pc.Variant {
	case config.VariantChatCompletion:
		if pc.Name == "bedrock" {
			return buildBedrockClient(pc)
		}
		apiKey := os.Getenv(pc.APIKeyEnv)
		return openaichat.NewFromAPIKey(apiKey, pc.BaseURL, defaultModelFor(pc))

	case config.VariantResponses:
		apiKey := os.Getenv(pc.APIKeyEnv)
		return openairesponses.NewFromAPIKey(apiKey, pc.BaseURL, defaultModelFor(pc))

	case config.VariantMessagesWithCacheControl:
		if pc.Name == "bedrock" {
			return buildBedrockClient(pc)
		}
		apiKey := os.Getenv(pc.APIKeyEnv)
		return anthropic.NewFromAPIKey(apiKey, defaultModelFor(pc), defaultMaxTokensFor(pc))

	default:
		return nil, fmt.Errorf("engine: unknown provider variant %q for provider %q", pc.Variant, pc.Name)
	}
}

// buildBedrockClient loads the default AWS credential chain rather than an
// APIKeyEnv secret, since Bedrock is authenticated through IAM rather than a
// bearer token.
func buildBedrockClient(pc config.ProviderConfig) (model.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if pc.Region != "" {
		opts = append(opts, awsconfig.WithRegion(pc.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("engine: load AWS config for bedrock: %w", err)
	}
	runtime := bedrockruntime.NewFromConfig(awsCfg)
	return bedrock.New(runtime, defaultModelFor(pc))
}
