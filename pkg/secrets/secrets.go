// Package secrets fetches startup secrets, such as the password pepper,
// from Vault KV or AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("secret not found")

const fetchTimeout = 10 * time.Second

// Provider returns the raw value stored under id.
type Provider interface {
	GetSecret(ctx context.Context, id string) (string, error)
}

// Fetch reads id from p and, when the stored value is a JSON object,
// returns its field key. Plain string values are returned as is.
func Fetch(ctx context.Context, p Provider, id, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	raw, err := p.GetSecret(ctx, id)
	if err != nil {
		return "", err
	}
	return pick(raw, key)
}

func pick(raw, key string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		if trimmed == "" {
			return "", ErrNotFound
		}
		return trimmed, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return "", errors.Wrap(err, "secret is not a valid JSON object")
	}
	v, ok := fields[key].(string)
	if !ok || v == "" {
		return "", errors.Wrapf(ErrNotFound, "field %q", key)
	}
	return v, nil
}

type Vault struct {
	client *vault.Client
	mount  string
}

// NewVault connects to the KV v2 engine at mount. The token comes from
// VAULT_TOKEN_FILE or VAULT_TOKEN when set.
func NewVault(ctx context.Context, addr, mount string) (*Vault, error) {
	vc := vault.DefaultConfig()
	if addr != "" {
		vc.Address = addr
	}
	vc.Timeout = 5 * time.Second
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, errors.Wrap(err, "vault client")
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check failed")
	}
	if mount == "" {
		mount = "secret"
	}
	return &Vault{client: client, mount: mount}, nil
}

// GetSecret returns the KV v2 secret at id re-encoded as a JSON object, so
// Fetch can pick a field out of it.
func (v *Vault) GetSecret(ctx context.Context, id string) (string, error) {
	s, err := v.client.KVv2(v.mount).Get(ctx, id)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", errors.Wrapf(ErrNotFound, "vault %s/%s", v.mount, id)
		}
		return "", errors.Wrap(err, "vault read")
	}
	if s == nil || s.Data == nil {
		return "", errors.Wrapf(ErrNotFound, "vault %s/%s", v.mount, id)
	}
	b, err := json.Marshal(s.Data)
	if err != nil {
		return "", errors.Wrap(err, "vault secret encode")
	}
	return string(b), nil
}

type AWS struct {
	client *secretsmanager.Client
}

// NewAWS builds a Secrets Manager client from the default credential chain.
// endpoint overrides the service URL and is empty outside tests and local
// emulators.
func NewAWS(ctx context.Context, region, endpoint string, opts ...func(*config.LoadOptions) error) (*AWS, error) {
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	ac, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "aws config")
	}
	client := secretsmanager.NewFromConfig(ac, func(o *secretsmanager.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &AWS{client: client}, nil
}

func (a *AWS) GetSecret(ctx context.Context, id string) (string, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get secret %s", id)
	}
	if out.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *out.SecretString, nil
}
