// Package credentials resolves the remote login credentials. Username,
// password and security token each come from an independently pluggable
// Provider and are resolved concurrently.
package credentials

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/crmsync/pkg/errors"
)

// Provider resolves one credential value
type Provider interface {
	Resolve(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context) (string, error)

// Resolve calls f
func (f ProviderFunc) Resolve(ctx context.Context) (string, error) { return f(ctx) }

// Static returns a fixed value
type Static string

// Resolve returns the literal value
func (s Static) Resolve(context.Context) (string, error) { return string(s), nil }

// Env reads an environment variable. An unset variable resolves to "".
type Env string

// Resolve reads the variable
func (e Env) Resolve(context.Context) (string, error) { return os.Getenv(string(e)), nil }

// File reads a file, trimming surrounding whitespace. Mounted secrets
// usually end with a newline.
type File string

// Resolve reads the file
func (f File) Resolve(context.Context) (string, error) {
	data, err := os.ReadFile(string(f)) //nolint:gosec // path comes from operator config
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeAuthentication, "read credential file").
			WithDetail("path", string(f))
	}
	return strings.TrimSpace(string(data)), nil
}

// SecretsManagerAPI is the subset of the AWS Secrets Manager client used here
type SecretsManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManager reads a secret from AWS Secrets Manager. When Key is set
// the secret is parsed as a JSON object and that field is returned.
type SecretsManager struct {
	Client   SecretsManagerAPI
	SecretID string
	Key      string
}

// Resolve fetches the secret
func (s *SecretsManager) Resolve(ctx context.Context) (string, error) {
	out, err := s.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.SecretID),
	})
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return "", errors.Wrap(err, errors.ErrorTypeAuthentication, "secret not found").
				WithDetail("secret_id", s.SecretID)
		}
		return "", errors.Wrap(err, errors.ErrorTypeAuthentication, "get secret value").
			WithDetail("secret_id", s.SecretID)
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = *out.SecretString
	case out.SecretBinary != nil:
		value = string(out.SecretBinary)
	default:
		return "", errors.Newf(errors.ErrorTypeAuthentication, "secret %q has no value", s.SecretID)
	}

	if s.Key == "" {
		return value, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeAuthentication, "secret is not a JSON object").
			WithDetail("secret_id", s.SecretID)
	}
	field, ok := fields[s.Key].(string)
	if !ok {
		return "", errors.Newf(errors.ErrorTypeAuthentication, "secret %q has no string key %q", s.SecretID, s.Key)
	}
	return field, nil
}

// Resolved holds the credentials passed to login
type Resolved struct {
	Username string
	// Password already carries the security token suffix when one is set
	Password string
}

// Set groups the three credential providers
type Set struct {
	Username      Provider
	Password      Provider
	SecurityToken Provider
}

// Resolve resolves all three values concurrently. The token is appended to
// the password with no separator, and only when it is non-empty.
func (s *Set) Resolve(ctx context.Context) (Resolved, error) {
	var username, password, token string

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range []struct {
		name     string
		provider Provider
		out      *string
	}{
		{"username", s.Username, &username},
		{"password", s.Password, &password},
		{"security_token", s.SecurityToken, &token},
	} {
		if item.provider == nil {
			continue
		}
		g.Go(func() error {
			v, err := item.provider.Resolve(gctx)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeAuthentication, "resolve "+item.name)
			}
			*item.out = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Resolved{}, err
	}

	if username == "" {
		return Resolved{}, errors.New(errors.ErrorTypeAuthentication, "username resolved empty")
	}
	if token != "" {
		password += token
	}
	return Resolved{Username: username, Password: password}, nil
}
