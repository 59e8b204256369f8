package credentials

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/errors"
)

// FromConfig builds a Set from configuration. The AWS client is only
// created when some credential is stored in Secrets Manager.
func FromConfig(ctx context.Context, cfg config.CredentialsConfig) (*Set, error) {
	var sm SecretsManagerAPI
	if cfg.UsesSecretsManager() {
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load AWS configuration")
		}
		sm = secretsmanager.NewFromConfig(awsCfg)
	}
	return fromConfig(cfg, sm)
}

func fromConfig(cfg config.CredentialsConfig, sm SecretsManagerAPI) (*Set, error) {
	build := func(ref config.SecretRef) (Provider, error) {
		switch ref.Source {
		case config.SourceStatic:
			return Static(ref.Value), nil
		case config.SourceEnv:
			return Env(ref.Value), nil
		case config.SourceFile:
			return File(ref.Value), nil
		case config.SourceSecretsManager:
			return &SecretsManager{Client: sm, SecretID: ref.Value, Key: ref.Key}, nil
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig, "unknown credential source %q", ref.Source)
		}
	}

	set := &Set{}
	var err error
	if set.Username, err = build(cfg.Username); err != nil {
		return nil, err
	}
	if set.Password, err = build(cfg.Password); err != nil {
		return nil, err
	}
	if set.SecurityToken, err = build(cfg.SecurityToken); err != nil {
		return nil, err
	}
	return set, nil
}
