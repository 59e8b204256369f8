package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/errors"
)

type fakeSecretsManager struct {
	secrets map[string]string
	calls   int
}

func (f *fakeSecretsManager) GetSecretValue(
	_ context.Context,
	params *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options),
) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	v, ok := f.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestSetResolve(t *testing.T) {
	tests := []struct {
		name     string
		token    Provider
		wantPass string
	}{
		{"token appended without separator", Static("TOKEN"), "hunter2TOKEN"},
		{"empty token adds nothing", Static(""), "hunter2"},
		{"missing token provider", nil, "hunter2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := &Set{
				Username:      Static("ops@example.com"),
				Password:      Static("hunter2"),
				SecurityToken: tt.token,
			}
			got, err := set.Resolve(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "ops@example.com", got.Username)
			assert.Equal(t, tt.wantPass, got.Password)
		})
	}
}

func TestSetResolveFailure(t *testing.T) {
	set := &Set{
		Username: Static("ops@example.com"),
		Password: ProviderFunc(func(context.Context) (string, error) {
			return "", errors.New(errors.ErrorTypeConnection, "vault unreachable")
		}),
	}

	_, err := set.Resolve(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.Contains(t, err.Error(), "resolve password")
}

func TestSetResolveEmptyUsername(t *testing.T) {
	set := &Set{Username: Env("CRMSYNC_TEST_UNSET_USER"), Password: Static("x")}
	_, err := set.Resolve(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	v, err := File(path).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = File(path + ".missing").Resolve(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("CRMSYNC_TEST_TOKEN", "abc")
	v, err := Env("CRMSYNC_TEST_TOKEN").Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
}

func TestSecretsManagerProvider(t *testing.T) {
	sm := &fakeSecretsManager{secrets: map[string]string{
		"crm/plain": "token-value",
		"crm/json":  `{"username":"api@example.com","password":"pw"}`,
	}}

	t.Run("plain secret", func(t *testing.T) {
		v, err := (&SecretsManager{Client: sm, SecretID: "crm/plain"}).Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "token-value", v)
	})

	t.Run("json key", func(t *testing.T) {
		v, err := (&SecretsManager{Client: sm, SecretID: "crm/json", Key: "password"}).Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "pw", v)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := (&SecretsManager{Client: sm, SecretID: "crm/json", Key: "token"}).Resolve(context.Background())
		assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	})

	t.Run("missing secret", func(t *testing.T) {
		_, err := (&SecretsManager{Client: sm, SecretID: "crm/none"}).Resolve(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret not found")
	})
}

func TestFromConfig(t *testing.T) {
	sm := &fakeSecretsManager{secrets: map[string]string{"crm": `{"token":"TKN"}`}}
	t.Setenv("CRMSYNC_TEST_USER", "env-user")

	set, err := fromConfig(config.CredentialsConfig{
		Username:      config.SecretRef{Source: config.SourceEnv, Value: "CRMSYNC_TEST_USER"},
		Password:      config.SecretRef{Source: config.SourceStatic, Value: "pw"},
		SecurityToken: config.SecretRef{Source: config.SourceSecretsManager, Value: "crm", Key: "token"},
	}, sm)
	require.NoError(t, err)

	got, err := set.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Resolved{Username: "env-user", Password: "pwTKN"}, got)
	assert.Equal(t, 1, sm.calls)

	_, err = fromConfig(config.CredentialsConfig{Username: config.SecretRef{Source: "vault"}}, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
