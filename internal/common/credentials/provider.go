// Package credentials resolves secrets such as model API keys from the host
// environment so they never have to live in config files.
package credentials

import "context"

// Credential is a resolved secret value and the source it came from.
type Credential struct {
	Key    string `json:"key"`
	Value  string `json:"-"`
	Source string `json:"source"`
}

// Provider resolves credentials by key.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// GetCredential retrieves a credential by key.
	GetCredential(ctx context.Context, key string) (*Credential, error)

	// ListAvailable returns the credential keys the provider can resolve.
	ListAvailable(ctx context.Context) ([]string, error)
}
