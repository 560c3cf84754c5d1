// Package main runs the relay as an AWS Lambda function behind API Gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/capitalize-ai/line-relay/internal/app"
	"github.com/capitalize-ai/line-relay/internal/config"
	"github.com/capitalize-ai/line-relay/internal/lambdaproxy"
	"github.com/capitalize-ai/line-relay/pkg/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.ResolveSecrets(ctx); err != nil {
		log.Fatal("failed to resolve secrets", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	// The runtime freezes between invocations, so replies must be sent
	// before the response is returned.
	cfg.WebhookAsync = false

	relay, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start relay", zap.Error(err))
	}

	lambda.Start(lambdaproxy.Handler(relay.Handler))
}
