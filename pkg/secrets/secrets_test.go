package secrets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProvider map[string]string

func (s staticProvider) GetSecret(_ context.Context, id string) (string, error) {
	v, ok := s[id]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func TestFetchPicksField(t *testing.T) {
	p := staticProvider{
		"plain":  "  s3cret-pepper \n",
		"json":   `{"pepper":"from-json","other":"x"}`,
		"nofld":  `{"other":"x"}`,
		"broken": `{"pepper":`,
		"blank":  "  ",
	}
	ctx := context.Background()

	v, err := Fetch(ctx, p, "plain", "pepper")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-pepper", v)

	v, err = Fetch(ctx, p, "json", "pepper")
	require.NoError(t, err)
	assert.Equal(t, "from-json", v)

	_, err = Fetch(ctx, p, "nofld", "pepper")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = Fetch(ctx, p, "broken", "pepper")
	assert.Error(t, err)
	_, err = Fetch(ctx, p, "blank", "pepper")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = Fetch(ctx, p, "missing", "pepper")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func fakeVault(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/sys/health":
			io.WriteString(w, `{"initialized":true,"sealed":false,"standby":false}`)
		case "/v1/secret/data/pastebin/pepper":
			assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
			io.WriteString(w, `{"data":{"data":{"pepper":"vault-pepper"},
				"metadata":{"created_time":"2024-03-10T12:00:00Z","deletion_time":"","destroyed":false,"version":1}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"errors":[]}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultProvider(t *testing.T) {
	srv := fakeVault(t)
	t.Setenv("VAULT_TOKEN", "test-token")
	t.Setenv("VAULT_TOKEN_FILE", "")
	ctx := context.Background()

	v, err := NewVault(ctx, srv.URL, "secret")
	require.NoError(t, err)
	got, err := Fetch(ctx, v, "pastebin/pepper", "pepper")
	require.NoError(t, err)
	assert.Equal(t, "vault-pepper", got)

	_, err = v.GetSecret(ctx, "pastebin/absent")
	assert.True(t, errors.Is(err, ErrNotFound), "%v", err)
}

func TestVaultUnreachable(t *testing.T) {
	srv := fakeVault(t)
	url := srv.URL
	srv.Close()
	_, err := NewVault(context.Background(), url, "secret")
	assert.ErrorContains(t, err, "health check")
}

func TestAWSProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secretsmanager.GetSecretValue", r.Header.Get("X-Amz-Target"))
		var in struct{ SecretId string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		if in.SecretId != "pastebin/pepper" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"__type":"ResourceNotFoundException","message":"no such secret"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"ARN":          "arn:aws:secretsmanager:us-east-1:000000000000:secret:pastebin/pepper",
			"Name":         in.SecretId,
			"SecretString": `{"pepper":"aws-pepper"}`,
		})
	}))
	defer srv.Close()
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")

	ctx := context.Background()
	a, err := NewAWS(ctx, "us-east-1", srv.URL,
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
		config.WithRetryMaxAttempts(1))
	require.NoError(t, err)

	got, err := Fetch(ctx, a, "pastebin/pepper", "pepper")
	require.NoError(t, err)
	assert.Equal(t, "aws-pepper", got)

	_, err = a.GetSecret(ctx, "pastebin/other")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "pastebin/other"))
}
