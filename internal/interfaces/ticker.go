package interfaces

import "context"

// FeedAuthorizer returns a short-lived, pre-authorized streaming URL for an account.
type FeedAuthorizer interface {
	Authorize(ctx context.Context, account string) (string, error)
}

// TokenSource supplies vendor access tokens; credentials are managed outside the core.
type TokenSource interface {
	AccessToken(ctx context.Context, account string) (string, error)
}

// InstrumentLookup resolves human symbols to vendor instrument keys in bulk.
// Symbols it cannot resolve are simply absent from the result.
type InstrumentLookup interface {
	LookupKeys(ctx context.Context, symbols []string) (map[string]string, error)
}
