package ingestion

import (
	"fmt"
	"strings"
	"unicode"

	"CDPLedger/internal/event"
	"CDPLedger/internal/oracle"
)

// SubjectToken returns the snake_case subject token for a command type,
// e.g. MintDebt -> mint_debt.
func SubjectToken(et event.EventType) string {
	name := et.String()
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CommandSubject builds the publish subject for a command. key is usually the
// vault owner or the source id; it only spreads messages across subjects.
func CommandSubject(et event.EventType, key string) string {
	if key == "" {
		key = "_"
	}
	return CommandsPrefix + "." + SubjectToken(et) + "." + key
}

// PriceSubject builds the price feed subject for an asset.
func PriceSubject(asset string) string {
	return PricesPrefix + "." + asset
}

var tokenToType = func() map[string]string {
	m := make(map[string]string)
	for _, et := range event.AllEventTypes() {
		m[SubjectToken(et)] = et.String()
	}
	return m
}()

// ResolveEventType maps a subject to its event type, or "" when unknown.
func ResolveEventType(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) >= 3 && parts[0]+"."+parts[1] == PricesPrefix {
		return PriceEventType
	}
	if len(parts) < 4 || parts[0]+"."+parts[1] != CommandsPrefix {
		return ""
	}
	return tokenToType[parts[2]]
}

// ParseRawEvent converts a RawEvent into a typed command. The payload format
// is the same wire JSON the event log stores, so live and replayed commands
// go through one parser.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	evt, err := event.Decode(eventType, raw.Data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	return evt, nil
}

// ParsePrice decodes a price feed message. The asset in the payload must
// match the subject when both are present.
func ParsePrice(raw RawEvent) (oracle.PriceUpdate, error) {
	u, err := oracle.ParsePriceUpdate(raw.Data)
	if err != nil {
		return oracle.PriceUpdate{}, err
	}
	subjectAsset, onPriceSubject := strings.CutPrefix(raw.Subject, PricesPrefix+".")
	switch {
	case u.Asset == "" && onPriceSubject:
		u.Asset = subjectAsset
	case u.Asset == "":
		return oracle.PriceUpdate{}, fmt.Errorf("price without asset on %s", raw.Subject)
	case onPriceSubject && subjectAsset != u.Asset:
		return oracle.PriceUpdate{}, fmt.Errorf("price for %s published on %s", u.Asset, raw.Subject)
	}
	return u, nil
}
