package zerodha

import (
	"strconv"
	"sync"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// instrumentMapper manages bidirectional mapping between trading symbols and instrument tokens
type instrumentMapper struct {
	symbolToToken map[string]uint32
	tokenToSymbol map[uint32]string
	loaded        bool
	mu            sync.RWMutex
}

func newInstrumentMapper() *instrumentMapper {
	return &instrumentMapper{
		symbolToToken: make(map[string]uint32),
		tokenToSymbol: make(map[uint32]string),
	}
}

// load replaces the mapping with an exchange instrument dump
func (im *instrumentMapper) load(instruments kiteconnect.Instruments) {
	im.mu.Lock()
	defer im.mu.Unlock()

	im.symbolToToken = make(map[string]uint32, len(instruments))
	im.tokenToSymbol = make(map[uint32]string, len(instruments))
	for _, in := range instruments {
		if in.Tradingsymbol == "" || in.InstrumentToken <= 0 {
			continue
		}
		token := uint32(in.InstrumentToken)
		im.symbolToToken[in.Tradingsymbol] = token
		im.tokenToSymbol[token] = in.Tradingsymbol
	}
	im.loaded = true
}

func (im *instrumentMapper) isLoaded() bool {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.loaded
}

func (im *instrumentMapper) getToken(symbol string) (uint32, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	token, exists := im.symbolToToken[symbol]
	return token, exists
}

func (im *instrumentMapper) getSymbol(token uint32) string {
	im.mu.RLock()
	defer im.mu.RUnlock()

	return im.tokenToSymbol[token]
}

// tokenOf parses a vendor key produced by LookupKeys
func tokenOf(key string) (uint32, bool) {
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}

func keyOf(token uint32) string {
	return strconv.FormatUint(uint64(token), 10)
}
