// Package lambdaboot provides shared cold-start bootstrap logic. Both the
// worker Lambda and the coordinator CLI need some subset of: AWS config, the
// artifact bucket, the render registry, and the SSM-resolved worker function
// name; this package keeps each init() a short composition of helpers.
package lambdaboot

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/lambda-renderfarm/internal/registry"
	"github.com/fpang/lambda-renderfarm/internal/s3util"
)

// InitAWS loads the default AWS config. Fatals on failure: nothing works
// without credentials and a region.
func InitAWS(ctx context.Context) aws.Config {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return cfg
}

// InitArtifactStore creates the S3 artifact store from the named bucket env
// var. Returns nil (with a warning) when the bucket is not configured, which
// disables payload overflow.
func InitArtifactStore(cfg aws.Config, bucketEnvVar string) *s3util.ArtifactStore {
	bucket := os.Getenv(bucketEnvVar)
	if bucket == "" {
		log.Warn().Str("envVar", bucketEnvVar).Msg("Artifact bucket not set, payload overflow disabled")
		return nil
	}
	return s3util.NewArtifactStore(s3.NewFromConfig(cfg), bucket)
}

// InitRegistry creates the render registry from the named table env var.
// Returns nil (with a warning) when the table is not configured.
func InitRegistry(cfg aws.Config, tableEnvVar string) *registry.Store {
	tableName := os.Getenv(tableEnvVar)
	if tableName == "" {
		log.Warn().Str("envVar", tableEnvVar).Msg("Registry table not set, registry disabled")
		return nil
	}
	return registry.NewStore(dynamodb.NewFromConfig(cfg), tableName)
}

// ResolveWorkerFunction returns the worker Lambda's function name: the
// RENDER_WORKER_FUNCTION env var when set, otherwise the SSM parameter
// /renderfarm/<env>/worker-function (env from RENDER_ENV, default "prod").
func ResolveWorkerFunction(ctx context.Context, ssmClient *ssm.Client) (string, error) {
	if name := os.Getenv("RENDER_WORKER_FUNCTION"); name != "" {
		return name, nil
	}

	env := os.Getenv("RENDER_ENV")
	if env == "" {
		env = "prod"
	}
	paramName := "/renderfarm/" + env + "/worker-function"

	result, err := ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(paramName),
	})
	if err != nil {
		return "", err
	}
	name := aws.ToString(result.Parameter.Value)
	log.Debug().Str("param", paramName).Str("function", name).Msg("Worker function resolved from SSM")
	return name, nil
}
