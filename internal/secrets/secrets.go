// Package secrets resolves secret references such as the wallet xpubs and the
// Postgres DSN. A reference is one of:
//
//	env:NAME       value of the environment variable NAME
//	awssm:ID       AWS Secrets Manager secret (name or ARN)
//	anything else  used literally
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	schemeEnv   = "env:"
	schemeAWSSM = "awssm:"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", key, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if len(out.SecretBinary) > 0 {
		return strings.TrimSpace(string(out.SecretBinary)), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Resolver dispatches references to providers. The AWS provider is built on
// first use so deployments without AWS credentials never touch the SDK.
type Resolver struct {
	env Provider

	mu     sync.Mutex
	aws    Provider
	newAWS func(context.Context) (Provider, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		env: EnvProvider{},
		newAWS: func(ctx context.Context) (Provider, error) {
			return NewAWS(ctx)
		},
	}
}

// WithAWS replaces the Secrets Manager provider.
func (r *Resolver) WithAWS(p Provider) *Resolver {
	r.mu.Lock()
	r.aws = p
	r.mu.Unlock()
	return r
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, schemeEnv):
		return r.env.Get(ctx, strings.TrimPrefix(ref, schemeEnv))
	case strings.HasPrefix(ref, schemeAWSSM):
		p, err := r.awsProvider(ctx)
		if err != nil {
			return "", err
		}
		return p.Get(ctx, strings.TrimPrefix(ref, schemeAWSSM))
	default:
		return ref, nil
	}
}

func (r *Resolver) awsProvider(ctx context.Context) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws != nil {
		return r.aws, nil
	}
	if r.newAWS == nil {
		return nil, fmt.Errorf("%w: no aws provider", ErrInvalidConfig)
	}
	p, err := r.newAWS(ctx)
	if err != nil {
		return nil, err
	}
	r.aws = p
	return p, nil
}
