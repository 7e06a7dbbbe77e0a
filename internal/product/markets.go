package product

import (
	"strings"
	"sync"
)

// ResolveMarket picks a market in priority order: explicit caller override,
// stored user preference, language signal, timezone heuristic, default.
func ResolveMarket(explicit, stored, language, timezone string) Market {
	if m, ok := ParseMarket(explicit); ok {
		return m
	}
	if m, ok := ParseMarket(stored); ok {
		return m
	}
	if m := marketFromLanguage(language); m != "" {
		return m
	}
	if m := marketFromTimezone(timezone); m != "" {
		return m
	}
	return DefaultMarket
}

func marketFromLanguage(language string) Market {
	lang := strings.ToLower(strings.TrimSpace(language))
	switch {
	case lang == "":
		return ""
	case strings.HasPrefix(lang, "de") || strings.Contains(lang, "de-"):
		return MarketDE
	case strings.HasPrefix(lang, "en-gb") || strings.HasPrefix(lang, "en-uk"):
		return MarketUK
	case strings.HasPrefix(lang, "en"):
		return MarketUS
	default:
		return ""
	}
}

func marketFromTimezone(timezone string) Market {
	tz := strings.TrimSpace(timezone)
	switch {
	case strings.HasPrefix(tz, "Europe/"):
		if strings.Contains(tz, "London") || strings.Contains(tz, "Dublin") {
			return MarketUK
		}
		return MarketDE
	case strings.HasPrefix(tz, "America/"):
		return MarketUS
	default:
		return ""
	}
}

// CurrencySymbol returns the display currency symbol for a market.
func CurrencySymbol(m Market) string {
	switch m {
	case MarketUS:
		return "$"
	case MarketUK:
		return "£"
	default:
		return "€"
	}
}

// LocaleTag returns the BCP 47 tag for a market.
func LocaleTag(m Market) string {
	switch m {
	case MarketUS:
		return "en-US"
	case MarketUK:
		return "en-GB"
	default:
		return "de-DE"
	}
}

// DisplayName returns the human-readable market name.
func DisplayName(m Market) string {
	switch m {
	case MarketUS:
		return "United States"
	case MarketUK:
		return "United Kingdom"
	default:
		return "Deutschland"
	}
}

// Preferences holds the process-wide market preference and notifies
// subscribers on change. The HTTP layer persists the choice in a cookie;
// this keeps in-process consumers reactive.
type Preferences struct {
	mu      sync.Mutex
	current Market
	subs    []chan Market
}

func NewPreferences(def Market) *Preferences {
	if !def.Valid() {
		def = DefaultMarket
	}
	return &Preferences{current: def}
}

func (p *Preferences) Get() Market {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Set stores the preference and broadcasts it. Invalid markets are
// ignored. Slow subscribers miss intermediate updates rather than block.
func (p *Preferences) Set(m Market) {
	if !m.Valid() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = m
	for _, ch := range p.subs {
		select {
		case ch <- m:
		default:
		}
	}
}

// Subscribe returns a channel receiving future preference changes.
func (p *Preferences) Subscribe() <-chan Market {
	ch := make(chan Market, 1)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}
