package resolver

import (
	"context"
	"sort"
	"strings"
	"sync"

	"marketfeed/internal/interfaces"
	"marketfeed/internal/logger"
	"marketfeed/internal/types"
)

// Resolver manages the session's bidirectional mapping between symbols and vendor keys.
// Resolution never fails: symbols the lookup cannot place get prefix+symbol.
type Resolver struct {
	lookup interfaces.InstrumentLookup
	prefix string

	symbolToKey map[string]string
	keyToSymbol map[string]string
	mu          sync.RWMutex
}

// New creates a resolver. lookup may be nil, in which case every symbol falls back.
func New(lookup interfaces.InstrumentLookup, defaultPrefix string) *Resolver {
	return &Resolver{
		lookup:      lookup,
		prefix:      defaultPrefix,
		symbolToKey: make(map[string]string),
		keyToSymbol: make(map[string]string),
	}
}

// Resolve returns a vendor key for every requested symbol. Symbols already resolved in
// this session keep their key; the rest go to the lookup in one bulk call. Symbols are
// trimmed before resolution, and the result carries both the caller's spelling and the
// trimmed form. Blank symbols are skipped.
func (r *Resolver) Resolve(ctx context.Context, symbols []string) map[string]string {
	out := r.resolve(ctx, dedupe(symbols))
	for _, s := range symbols {
		if _, ok := out[s]; ok {
			continue
		}
		if key, ok := out[strings.TrimSpace(s)]; ok {
			out[s] = key
		}
	}
	return out
}

func (r *Resolver) resolve(ctx context.Context, unique []string) map[string]string {
	out := make(map[string]string, len(unique))

	var missing []string
	r.mu.RLock()
	for _, symbol := range unique {
		if key, ok := r.symbolToKey[symbol]; ok {
			out[symbol] = key
			continue
		}
		missing = append(missing, symbol)
	}
	r.mu.RUnlock()

	if len(missing) == 0 {
		return out
	}

	found := r.lookupKeys(ctx, missing)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, symbol := range missing {
		// another caller may have resolved it while we were in the lookup
		if key, ok := r.symbolToKey[symbol]; ok {
			out[symbol] = key
			continue
		}

		key, ok := found[symbol]
		if !ok || key == "" {
			key = r.Fallback(symbol)
			logger.Warn(ctx, "Instrument not found, using fallback key",
				"symbol", symbol,
				"vendor_key", key,
			)
		}

		r.symbolToKey[symbol] = key
		r.keyToSymbol[key] = symbol
		out[symbol] = key
	}

	return out
}

func (r *Resolver) lookupKeys(ctx context.Context, symbols []string) map[string]string {
	if r.lookup == nil {
		return nil
	}

	found, err := r.lookup.LookupKeys(ctx, symbols)
	if err != nil {
		logger.Warn(ctx, "Instrument lookup failed, falling back for all symbols",
			"error", err,
			"count", len(symbols),
		)
		return nil
	}
	return found
}

// Fallback synthesizes the deterministic default-market key for a symbol.
func (r *Resolver) Fallback(symbol string) string {
	return r.prefix + symbol
}

func (r *Resolver) Key(symbol string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.symbolToKey[symbol]
	return key, ok
}

// Symbol is the reverse lookup used when decoding frames.
func (r *Resolver) Symbol(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbol, ok := r.keyToSymbol[key]
	return symbol, ok
}

// Mappings returns a snapshot of the session mapping ordered by symbol.
func (r *Resolver) Mappings() []types.InstrumentMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.InstrumentMapping, 0, len(r.symbolToKey))
	for symbol, key := range r.symbolToKey {
		out = append(out, types.InstrumentMapping{Symbol: symbol, VendorKey: key})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Forget drops one symbol from the session mapping.
func (r *Resolver) Forget(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.symbolToKey[symbol]; ok {
		delete(r.keyToSymbol, key)
		delete(r.symbolToKey, symbol)
	}
}

// Reset clears the session mapping; vendor keys are re-resolved after a reconnect.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.symbolToKey = make(map[string]string)
	r.keyToSymbol = make(map[string]string)
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
