// Package secrets resolves credential references from configuration. A
// reference is "env:NAME", "aws:SECRET_ID" or either with a "#field" suffix
// selecting one field of a JSON secret. Anything else is a literal value.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	SchemeEnv = "env"
	SchemeAWS = "aws"
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
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
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

// Resolver dispatches references to providers by scheme. The AWS provider
// is built on first use so processes that only read env references never
// load AWS configuration.
type Resolver struct {
	Env Provider
	AWS Provider
	// NewAWS builds the AWS provider when AWS is nil. Defaults to NewAWS.
	NewAWS func(ctx context.Context) (Provider, error)

	mu sync.Mutex
}

func NewResolver() *Resolver {
	return &Resolver{Env: NewEnv()}
}

// Ref is a parsed reference.
type Ref struct {
	Scheme string
	Key    string
	Field  string
}

// ParseRef splits a reference. ok is false for literal values.
func ParseRef(v string) (Ref, bool) {
	v = strings.TrimSpace(v)
	scheme, rest, found := strings.Cut(v, ":")
	if !found || (scheme != SchemeEnv && scheme != SchemeAWS) {
		return Ref{}, false
	}
	key, field, _ := strings.Cut(rest, "#")
	return Ref{Scheme: scheme, Key: strings.TrimSpace(key), Field: strings.TrimSpace(field)}, true
}

func (r *Resolver) provider(ctx context.Context, scheme string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch scheme {
	case SchemeEnv:
		if r.Env == nil {
			r.Env = NewEnv()
		}
		return r.Env, nil
	case SchemeAWS:
		if r.AWS != nil {
			return r.AWS, nil
		}
		build := r.NewAWS
		if build == nil {
			build = func(ctx context.Context) (Provider, error) { return NewAWS(ctx) }
		}
		p, err := build(ctx)
		if err != nil {
			return nil, err
		}
		r.AWS = p
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown scheme %q", ErrInvalidConfig, scheme)
}

// Resolve returns the value a reference points at, or v itself when it is
// not a reference.
func (r *Resolver) Resolve(ctx context.Context, v string) (string, error) {
	ref, ok := ParseRef(v)
	if !ok {
		return strings.TrimSpace(v), nil
	}
	if ref.Key == "" {
		return "", fmt.Errorf("%w: %s reference without a key", ErrInvalidConfig, ref.Scheme)
	}
	p, err := r.provider(ctx, ref.Scheme)
	if err != nil {
		return "", err
	}
	val, err := p.Get(ctx, ref.Key)
	if err != nil {
		return "", err
	}
	if ref.Field == "" {
		return val, nil
	}
	fields, err := jsonFields(val)
	if err != nil {
		return "", fmt.Errorf("secrets: %s:%s: %w", ref.Scheme, ref.Key, err)
	}
	f, ok := fields[ref.Field]
	if !ok || f == "" {
		return "", fmt.Errorf("%w: field %q of %s:%s", ErrNotFound, ref.Field, ref.Scheme, ref.Key)
	}
	return f, nil
}

// jsonFields flattens a JSON object's scalar fields to strings.
func jsonFields(v string) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(v), &raw); err != nil {
		return nil, fmt.Errorf("%w: secret is not a JSON object", ErrInvalidConfig)
	}
	out := make(map[string]string, len(raw))
	for k, m := range raw {
		var s string
		if err := json.Unmarshal(m, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = strings.TrimSpace(string(m))
	}
	return out, nil
}
