package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "hookproxy"

// ErrInvalidRef is returned for key references in an unknown format.
var ErrInvalidRef = errors.New("invalid key reference")

// Vault stores client secrets in the OS keychain, with fallback to
// environment variables.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores the secret for name in the OS keychain.
func (v *Vault) Set(name, secret string) error {
	if name == "" {
		return fmt.Errorf("secret name must not be empty")
	}
	return keyring.Set(serviceName, name, secret)
}

// Get retrieves the secret stored under name. It first checks the OS
// keychain, then falls back to HOOKPROXY_SECRET_{NAME}.
func (v *Vault) Get(name string) (string, error) {
	secret, err := keyring.Get(serviceName, name)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := envName(name)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no secret found for %q: not in keychain and %s not set", name, envKey)
}

// Delete removes the secret for name from the OS keychain.
func (v *Vault) Delete(name string) error {
	return keyring.Delete(serviceName, name)
}

// List returns which of names currently have a secret, in the keychain or
// in the environment. The keychain cannot be enumerated.
func (v *Vault) List(names []string) []string {
	var found []string
	for _, name := range names {
		if _, err := v.Get(name); err == nil {
			found = append(found, name)
		}
	}
	return found
}

// RefName returns the keychain entry name of a keyring:// reference, or
// false for any other kind of reference.
func RefName(keyRef string) (string, bool) {
	path, ok := strings.CutPrefix(keyRef, "keyring://")
	if !ok {
		return "", false
	}
	service, name, ok := strings.Cut(path, "/")
	if !ok || service != serviceName || name == "" {
		return "", false
	}
	return name, true
}

// ResolveKeyRef parses a key reference and retrieves the secret it points to.
// Supported formats:
//   - "keyring://hookproxy/<name>"
//   - "env:VARIABLE_NAME"
//   - "file:///path/to/secret"
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	switch {
	case strings.HasPrefix(keyRef, "keyring://"):
		name, ok := RefName(keyRef)
		if !ok {
			return "", fmt.Errorf("%w: %q (expected \"keyring://hookproxy/<name>\")", ErrInvalidRef, keyRef)
		}
		return v.Get(name)

	case strings.HasPrefix(keyRef, "env:"):
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)

	case strings.HasPrefix(keyRef, "file://"):
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading secret file %q: %w", filePath, err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("secret file %q is empty", filePath)
		}
		return secret, nil
	}

	return "", fmt.Errorf("%w: %q (expected \"keyring://hookproxy/<name>\", \"env:VARIABLE_NAME\", or \"file:///path/to/secret\")", ErrInvalidRef, keyRef)
}

func envName(name string) string {
	return "HOOKPROXY_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
