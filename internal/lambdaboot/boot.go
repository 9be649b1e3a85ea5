// Package lambdaboot provides the shared cold-start bootstrap for the Lambda
// binaries and the AWS-backed pieces of the web server.
//
// Every entry point needs some subset of: AWS config, the code store, the
// artifact bucket, and secrets from SSM. This package keeps those init
// patterns in one place so each main is a short composition of helpers.
package lambdaboot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/fpang/family-resemblance/internal/artifact"
	"github.com/fpang/family-resemblance/internal/logging"
	"github.com/fpang/family-resemblance/internal/store"
)

// Default SSM parameter paths, overridable through the environment.
const (
	DefaultGeminiKeyParam     = "/family-resemblance/prod/gemini-api-key"
	DefaultAdminPasswordParam = "/family-resemblance/prod/admin-password"
)

// AWSClients holds the core AWS SDK config and the SSM client.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS(ctx context.Context) (AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return AWSClients{}, errors.Wrap(err, "load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}, nil
}

// InitDynamo creates the DynamoDB code store for table.
func InitDynamo(cfg aws.Config, table string) *store.DynamoStore {
	return store.NewDynamoStore(dynamodb.NewFromConfig(cfg), table)
}

// InitS3 creates the bucket-backed artifact store.
func InitS3(cfg aws.Config, bucket, prefix string, urlExpiry time.Duration) *artifact.S3Store {
	client := s3.NewFromConfig(cfg)
	return artifact.NewS3Store(client, s3.NewPresignClient(client), bucket, prefix, urlExpiry)
}

// ParameterGetter is the subset of *ssm.Client used to read secrets.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecret returns current when it is already set; otherwise it reads the
// SSM parameter named by paramEnv (falling back to defaultParam).
func LoadSecret(ctx context.Context, client ParameterGetter, current, paramEnv, defaultParam string) (string, error) {
	if current != "" {
		return current, nil
	}
	paramName := logging.EnvOrDefault(paramEnv, defaultParam)
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", errors.Wrapf(err, "read SSM parameter %s", paramName)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", errors.Newf("SSM parameter %s has no value", paramName)
	}
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(start)).Msg("Secret loaded from SSM")
	return *result.Parameter.Value, nil
}

// OnLambda reports whether the process runs inside the Lambda runtime.
func OnLambda() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
