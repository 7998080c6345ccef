package config

import (
	"fmt"
	"os"
	"strings"
)

// Secret is a string value that may be deferred to the environment with the
// "env:NAME" form. Resolution happens at load time so a missing variable is
// a configuration error, not a runtime surprise.
type Secret string

const envPrefix = "env:"

func (s Secret) IsSet() bool { return strings.TrimSpace(string(s)) != "" }

func (s Secret) Resolve() (string, error) {
	raw := strings.TrimSpace(string(s))
	if !strings.HasPrefix(raw, envPrefix) {
		return raw, nil
	}
	key := strings.TrimSpace(strings.TrimPrefix(raw, envPrefix))
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", key)
	}
	return v, nil
}

// ResolveSecretParam resolves a free-form target parameter that follows the
// same env indirection convention.
func ResolveSecretParam(v string) (string, error) {
	return Secret(v).Resolve()
}
