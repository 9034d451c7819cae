package permit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Keyring holds the ordered set of active HMAC keys. Signing always uses
// the current (highest-version) key; verification tries every active key
// in ascending version order, so permits signed before a rotation remain
// valid until they expire.
type Keyring struct {
	keys    map[int][]byte
	current int
}

// NewKeyring builds a Keyring from version → secret material.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring requires at least one key")
	}
	var current int
	for version, secret := range keys {
		if len(secret) == 0 {
			return nil, fmt.Errorf("key version %d has empty secret", version)
		}
		if version > current {
			current = version
		}
	}
	return &Keyring{keys: keys, current: current}, nil
}

// CurrentVersion is the version signing uses.
func (k *Keyring) CurrentVersion() int { return k.current }

// Sign computes the hex-lowercase HMAC-SHA256 of |message| under the
// current key.
func (k *Keyring) Sign(message string) string {
	return signWith(k.keys[k.current], message)
}

// Verify reports whether |signature| reproduces |message| under any
// active key, trying keys in ascending version order.
func (k *Keyring) Verify(message, signature string) bool {
	var versions []int
	for version := range k.keys {
		versions = append(versions, version)
	}
	sort.Ints(versions)

	for _, version := range versions {
		var want = signWith(k.keys[version], message)
		if hmac.Equal([]byte(want), []byte(signature)) {
			return true
		}
	}
	return false
}

func signWith(secret []byte, message string) string {
	var mac = hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// secretsManagerAPI is the slice of the Secrets Manager client we use.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadKeyring fetches permit signing material from Secrets Manager.
// The secret value is a JSON object of version → secret string, e.g.
// {"1": "old-secret", "2": "current-secret"}.
// A missing ARN is a fatal configuration error.
func LoadKeyring(ctx context.Context, client secretsManagerAPI, secretARN string) (*Keyring, error) {
	if secretARN == "" {
		return nil, fmt.Errorf("permit secret ARN is not configured")
	}
	var out, err = client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching permit secret %q: %w", secretARN, err)
	}

	var byVersion map[string]string
	if err = json.Unmarshal([]byte(aws.ToString(out.SecretString)), &byVersion); err != nil {
		return nil, fmt.Errorf("decoding permit secret: %w", err)
	}

	var keys = make(map[int][]byte, len(byVersion))
	for versionStr, secret := range byVersion {
		var version int
		if _, err = fmt.Sscanf(versionStr, "%d", &version); err != nil {
			return nil, fmt.Errorf("permit secret has non-integer version %q", versionStr)
		}
		keys[version] = []byte(secret)
	}
	return NewKeyring(keys)
}
