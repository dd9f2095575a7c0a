package tenantcreds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type secretsManagerMock struct {
	calls  int
	values map[string]string
	err    error
}

func (m *secretsManagerMock) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
tenants:
  - id: " t1 "
    name: One
    base_url: https://crm.example
    api_key: k1
    api_secret: s1
  - id: t2
    secret_ref: crm/t2
`), 0o600))

	got, err := FileSource{Path: path}.ListSyncTenants(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)
	assert.True(t, got[0].HasCredentials())
	assert.Equal(t, "crm/t2", got[1].SecretRef)
	assert.False(t, got[1].HasCredentials())

	_, err = FileSource{}.ListSyncTenants(context.Background())
	require.Error(t, err)
	_, err = FileSource{Path: filepath.Join(dir, "missing.yaml")}.ListSyncTenants(context.Background())
	require.Error(t, err)
}

func TestParseTenantsFile_Errors(t *testing.T) {
	for name, doc := range map[string]string{
		"version":   "version: 2\ntenants: []\n",
		"no id":     "version: 1\ntenants:\n  - name: x\n",
		"duplicate": "version: 1\ntenants:\n  - id: a\n  - id: a\n",
		"yaml":      "version: [",
	} {
		_, err := ParseTenantsFile([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestSecretStore(t *testing.T) {
	api := &secretsManagerMock{values: map[string]string{
		"crm/t2":  `{"api_key":"k2","api_secret":"s2","base_url":"https://t2.crm.example"}`,
		"crm/bad": `not json`,
		"crm/nil": ``,
	}}
	s := NewSecretStore(api, 0)
	ctx := context.Background()

	c, err := s.Credentials(ctx, "crm/t2")
	require.NoError(t, err)
	assert.Equal(t, Credentials{APIKey: "k2", APISecret: "s2", BaseURL: "https://t2.crm.example"}, c)

	_, err = s.Credentials(ctx, "crm/t2")
	require.NoError(t, err)
	assert.Equal(t, 1, api.calls)

	_, err = s.Credentials(ctx, "crm/bad")
	require.Error(t, err)
	_, err = s.Credentials(ctx, "crm/nil")
	require.Error(t, err)
	_, err = s.Credentials(ctx, "crm/missing")
	require.Error(t, err)
	_, err = s.Credentials(ctx, " ")
	require.Error(t, err)
}

func TestSecretStore_RefetchesAfterTTL(t *testing.T) {
	api := &secretsManagerMock{values: map[string]string{
		"crm/t2": `{"api_key":"k2","api_secret":"s2"}`,
	}}
	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	s := NewSecretStore(api, 10*time.Minute)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Credentials(ctx, "crm/t2")
	require.NoError(t, err)

	now = now.Add(9 * time.Minute)
	api.values["crm/t2"] = `{"api_key":"rotated","api_secret":"s3"}`
	c, err := s.Credentials(ctx, "crm/t2")
	require.NoError(t, err)
	assert.Equal(t, "k2", c.APIKey)
	assert.Equal(t, 1, api.calls)

	now = now.Add(time.Minute)
	c, err = s.Credentials(ctx, "crm/t2")
	require.NoError(t, err)
	assert.Equal(t, "rotated", c.APIKey)
	assert.Equal(t, 2, api.calls)

	assert.Equal(t, DefaultSecretTTL, NewSecretStore(api, -time.Second).ttl)
}

func TestResolving(t *testing.T) {
	api := &secretsManagerMock{values: map[string]string{
		"crm/t2": `{"api_key":"k2","api_secret":"s2","base_url":"https://t2.crm.example"}`,
	}}
	src := Static{
		{ID: "t1", APIKey: "k1", APISecret: "s1", SecretRef: "crm/ignored"},
		{ID: "t2", SecretRef: "crm/t2"},
		{ID: "t3", SecretRef: "crm/missing"},
		{ID: "t4"},
	}

	got, err := NewResolving(src, NewSecretStore(api, time.Minute), nil).ListSyncTenants(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "k1", got[0].APIKey)
	assert.Equal(t, "k2", got[1].APIKey)
	assert.Equal(t, "https://t2.crm.example", got[1].BaseURL)
	assert.False(t, got[2].HasCredentials())
	assert.False(t, got[3].HasCredentials())
	assert.Equal(t, 2, api.calls)

	// The static source is not mutated.
	assert.Empty(t, src[1].APIKey)
}

func TestResolving_SourceError(t *testing.T) {
	_, err := NewResolving(errSource{}, nil, nil).ListSyncTenants(context.Background())
	require.EqualError(t, err, "db down")
}

type errSource struct{}

func (errSource) ListSyncTenants(context.Context) ([]types.Tenant, error) {
	return nil, errors.New("db down")
}
