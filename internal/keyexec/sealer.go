package keyexec

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"
	"golang.org/x/crypto/hkdf"

	"github.com/better-wallet/walletbridge/internal/config"
	"github.com/better-wallet/walletbridge/internal/crypto"
	"github.com/better-wallet/walletbridge/internal/storage"
)

// KMSProviderType names a supported at-rest sealing backend
type KMSProviderType string

const (
	// KMSProviderNone disables the outer sealing layer
	KMSProviderNone KMSProviderType = "none"

	// KMSProviderLocal seals with a locally held master key (AES-GCM)
	KMSProviderLocal KMSProviderType = "local"

	// KMSProviderAWSKMS seals with AWS KMS
	KMSProviderAWSKMS KMSProviderType = "aws-kms"

	// KMSProviderVault seals with the HashiCorp Vault Transit engine
	KMSProviderVault KMSProviderType = "vault"
)

// KMSConfig contains configuration for the sealing providers
type KMSConfig struct {
	Provider string

	// Local provider config
	LocalMasterKey string

	// AWS KMS config
	AWSKMSKeyID  string
	AWSKMSRegion string

	// Vault config
	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// KMSConfigFrom extracts the sealing settings from the process config
func KMSConfigFrom(cfg *config.Config) *KMSConfig {
	return &KMSConfig{
		Provider:        cfg.KMSProvider,
		LocalMasterKey:  cfg.KMSLocalMasterKey,
		AWSKMSKeyID:     cfg.KMSAWSKeyID,
		AWSKMSRegion:    cfg.KMSAWSRegion,
		VaultAddress:    cfg.KMSVaultAddress,
		VaultToken:      cfg.KMSVaultToken,
		VaultTransitKey: cfg.KMSVaultTransitKey,
	}
}

// localSealAAD binds locally sealed values to this use
var localSealAAD = []byte("walletbridge/kms-local/v1")

// LocalKMSProvider seals values with a local master key. Suitable for
// development or for keeping the vault file opaque to casual inspection.
type LocalKMSProvider struct {
	masterKey []byte
}

// NewLocalKMSProvider creates a local provider. A 64-character hex string is
// used as the key directly; anything else is stretched with HKDF-SHA256.
func NewLocalKMSProvider(masterKey string) (*LocalKMSProvider, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is required for local KMS provider")
	}

	if raw, err := hex.DecodeString(masterKey); err == nil && len(raw) == crypto.KeySize {
		return &LocalKMSProvider{masterKey: raw}, nil
	}

	key := make([]byte, crypto.KeySize)
	r := hkdf.New(sha256.New, []byte(masterKey), nil, localSealAAD)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}
	return &LocalKMSProvider{masterKey: key}, nil
}

// Encrypt returns nonce || ciphertext
func (p *LocalKMSProvider) Encrypt(_ context.Context, data []byte) ([]byte, error) {
	nonce, ciphertext, err := crypto.Seal(p.masterKey, data, localSealAAD)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// Decrypt reverses Encrypt
func (p *LocalKMSProvider) Decrypt(_ context.Context, encryptedData []byte) ([]byte, error) {
	if len(encryptedData) < crypto.NonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := encryptedData[:crypto.NonceSize], encryptedData[crypto.NonceSize:]
	return crypto.Open(p.masterKey, nonce, ciphertext, localSealAAD)
}

// Provider returns the provider name
func (p *LocalKMSProvider) Provider() string {
	return string(KMSProviderLocal)
}

// awsEncryptionContext is bound into every AWS KMS ciphertext. Blobs sealed
// for another service under the same key will not open here.
var awsEncryptionContext = map[string]string{"service": "walletbridge", "purpose": "storage-seal"}

// AWSKMSProvider seals values with AWS KMS
type AWSKMSProvider struct {
	keyID  string
	client *kms.Client
}

// NewAWSKMSProvider uses the default AWS credential chain
func NewAWSKMSProvider(ctx context.Context, keyID, region string) (*AWSKMSProvider, error) {
	switch {
	case keyID == "":
		return nil, fmt.Errorf("AWS KMS key ID is required")
	case region == "":
		return nil, fmt.Errorf("AWS region is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSKMSProvider{keyID: keyID, client: kms.NewFromConfig(cfg)}, nil
}

func (p *AWSKMSProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	out, err := p.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(p.keyID),
		Plaintext:         data,
		EncryptionContext: awsEncryptionContext,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt failed: %w", err)
	}
	return out.CiphertextBlob, nil
}

func (p *AWSKMSProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	out, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(p.keyID),
		CiphertextBlob:    encryptedData,
		EncryptionContext: awsEncryptionContext,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return out.Plaintext, nil
}

func (p *AWSKMSProvider) Provider() string {
	return string(KMSProviderAWSKMS)
}

// VaultProvider seals values with the HashiCorp Vault Transit engine.
// Ciphertexts are the transit "vault:vN:..." strings.
type VaultProvider struct {
	transitKey string
	client     *vault.Client
}

func NewVaultProvider(address, token, transitKey string) (*VaultProvider, error) {
	switch {
	case address == "":
		return nil, fmt.Errorf("vault address is required")
	case token == "":
		return nil, fmt.Errorf("vault token is required")
	case transitKey == "":
		return nil, fmt.Errorf("vault transit key name is required")
	}

	vc := vault.DefaultConfig()
	vc.Address = address
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultProvider{transitKey: transitKey, client: client}, nil
}

// transit writes body to transit/<op>/<key> and returns the named string
// field of the response
func (p *VaultProvider) transit(ctx context.Context, op string, body map[string]any, field string) (string, error) {
	secret, err := p.client.Logical().WriteWithContext(ctx, "transit/"+op+"/"+p.transitKey, body)
	if err != nil {
		return "", fmt.Errorf("vault transit %s failed: %w", op, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault transit %s returned empty response", op)
	}
	v, ok := secret.Data[field].(string)
	if !ok {
		return "", fmt.Errorf("vault transit %s: %s not found in response", op, field)
	}
	return v, nil
}

func (p *VaultProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	ct, err := p.transit(ctx, "encrypt", map[string]any{"plaintext": base64.StdEncoding.EncodeToString(data)}, "ciphertext")
	if err != nil {
		return nil, err
	}
	return []byte(ct), nil
}

func (p *VaultProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	b64, err := p.transit(ctx, "decrypt", map[string]any{"ciphertext": string(encryptedData)}, "plaintext")
	if err != nil {
		return nil, err
	}
	plaintext, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

func (p *VaultProvider) Provider() string {
	return string(KMSProviderVault)
}

// NewSealer builds the configured sealing provider. It returns nil, nil when
// sealing is disabled.
func NewSealer(ctx context.Context, cfg *KMSConfig) (storage.Sealer, error) {
	switch KMSProviderType(cfg.Provider) {
	case KMSProviderNone, "":
		return nil, nil
	case KMSProviderLocal:
		return NewLocalKMSProvider(cfg.LocalMasterKey)
	case KMSProviderAWSKMS:
		return NewAWSKMSProvider(ctx, cfg.AWSKMSKeyID, cfg.AWSKMSRegion)
	case KMSProviderVault:
		return NewVaultProvider(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)
	default:
		return nil, fmt.Errorf("unsupported KMS provider: %s (supported: %s, %s, %s, %s)",
			cfg.Provider, KMSProviderNone, KMSProviderLocal, KMSProviderAWSKMS, KMSProviderVault)
	}
}

var (
	_ storage.Sealer = (*LocalKMSProvider)(nil)
	_ storage.Sealer = (*AWSKMSProvider)(nil)
	_ storage.Sealer = (*VaultProvider)(nil)
)
