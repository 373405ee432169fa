// Package secrets resolves the owner API token from the environment or AWS
// Secrets Manager.
package secrets

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	DriverEnv = "env"
	DriverAWS = "aws"

	// MinTokenLen is the shortest owner token accepted.
	MinTokenLen = 16
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
	ErrWeakToken     = errors.New("secrets: token too short")
)

type Provider interface {
	Get(ctx context.Context, ref string) (string, error)
}

// New selects a provider by driver name. An empty driver selects env.
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case "", DriverEnv:
		return NewEnv(), nil
	case DriverAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads Secrets Manager secrets. A ref of the form "id#field"
// selects one string field of a JSON secret.
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

func (p *AWSProvider) Get(ctx context.Context, ref string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	id, field := splitRef(ref)
	if id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}

	var raw string
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		raw = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return raw, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secrets: secret %q is not a JSON object: %w", id, err)
	}
	v, ok := fields[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: secret %q has no string field %q", ErrNotFound, id, field)
	}
	return strings.TrimSpace(v), nil
}

func splitRef(ref string) (id, field string) {
	ref = strings.TrimSpace(ref)
	if i := strings.LastIndexByte(ref, '#'); i >= 0 {
		return strings.TrimSpace(ref[:i]), strings.TrimSpace(ref[i+1:])
	}
	return ref, ""
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
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

// Token is a bearer credential. Its String form is redacted.
type Token struct {
	v string
}

// LoadToken resolves ref through p and rejects tokens shorter than
// MinTokenLen.
func LoadToken(ctx context.Context, p Provider, ref string) (Token, error) {
	if p == nil {
		return Token{}, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	v, err := p.Get(ctx, ref)
	if err != nil {
		return Token{}, err
	}
	return NewToken(v)
}

func NewToken(v string) (Token, error) {
	if len(v) < MinTokenLen {
		return Token{}, fmt.Errorf("%w: %d bytes, need %d", ErrWeakToken, len(v), MinTokenLen)
	}
	return Token{v: v}, nil
}

// Equal compares in constant time.
func (t Token) Equal(candidate string) bool {
	if t.v == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.v), []byte(candidate)) == 1
}

func (t Token) IsZero() bool { return t.v == "" }

func (t Token) String() string { return "[redacted]" }
