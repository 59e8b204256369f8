package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
name: test
credentials:
  username: {source: static, value: user}
  password: {source: static, value: pass}
  security_token: {source: static, value: tok}
mappings:
  - remote_type: Account
    local_type: organization
    fields:
      name: Name
    required: [name]
  - remote_type: Contact
    local_type: person
    fields:
      name: [FirstName, LastName]
    joins:
      organizationId:
        remote: Account
        local_type: organization
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crmsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(viper.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidatePrintsQueries(t *testing.T) {
	out, err := execute(t, "validate", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "SELECT Id, Name FROM Account WHERE Name != null LIMIT 1000")
	assert.Contains(t, out, "SELECT Id, FirstName, LastName, Account.Id FROM Contact LIMIT 1000")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = execute(t, "validate", "--config", writeConfig(t), "--store-driver", "postgres")
	assert.ErrorContains(t, err, "store.dsn is required")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CRMSYNC_STORE_DRIVER", "mongodb")
	t.Setenv("CRMSYNC_STORE_DSN", "mongodb://localhost:27017")

	v := viper.New()
	cmd := newRootCommand(v)
	require.NoError(t, cmd.PersistentFlags().Set("config", writeConfig(t)))

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "mongodb", cfg.Store.Driver)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Store.DSN)
	assert.Len(t, cfg.Mappings, 2)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "crmsync v"+version)
}
