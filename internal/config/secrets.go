package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ssmAPI is the minimal AWS SSM interface required to resolve secrets.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveSecrets fills empty credentials from SSM Parameter Store under
// SSMParameterPrefix. It is a no-op when no prefix is configured.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	if c.SSMParameterPrefix == "" {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	return c.resolveSecrets(ctx, ssm.NewFromConfig(awsCfg))
}

func (c *Config) resolveSecrets(ctx context.Context, api ssmAPI) error {
	prefix := strings.TrimRight(c.SSMParameterPrefix, "/")

	targets := []struct {
		name string
		dst  *string
	}{
		{"line-channel-secret", &c.LineChannelSecret},
		{"line-channel-access-token", &c.LineChannelAccessToken},
		{"dify-api-key", &c.DifyAPIKey},
		{"openai-api-key", &c.OpenAIAPIKey},
		{"jwt-secret", &c.JWTSecret},
	}

	for _, t := range targets {
		if *t.dst != "" {
			continue
		}

		name := prefix + "/" + t.name
		withDecryption := true
		out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           &name,
			WithDecryption: &withDecryption,
		})
		if err != nil {
			var notFound *types.ParameterNotFound
			if errors.As(err, &notFound) {
				continue
			}
			return fmt.Errorf("failed to get parameter %q: %w", name, err)
		}
		if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
			continue
		}
		*t.dst = *out.Parameter.Value
	}
	return nil
}
