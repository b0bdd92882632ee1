package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvSource serves "env://VARIABLE_NAME" references from the process
// environment. Environment variables hold a single value, so the reference
// takes no #field selector.
type EnvSource struct{}

func (EnvSource) Scheme() string { return "env" }

func (EnvSource) Fetch(_ context.Context, ref Ref) (string, error) {
	if ref.Field != "" {
		return "", fmt.Errorf("env references take no #field selector")
	}
	value := os.Getenv(ref.Path)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, ref.Path)
	}
	return value, nil
}
