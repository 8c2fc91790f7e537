// Package contact turns the free-form phone numbers stored on marketplace
// profiles into voice and WhatsApp hand-off targets.
package contact

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/text/language"
)

// Handoff holds the targets derived from one phone number.
type Handoff struct {
	E164     string `json:"e164"`
	Dial     string `json:"dial"`
	WhatsApp string `json:"whatsapp"`
	JID      string `json:"jid"`
}

// Normalize parses raw in region and returns it in E.164 form. Numbers
// written with a leading + ignore region. ok is false for anything that is
// not a valid number.
func Normalize(raw, region string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// RegionForLocale guesses a phone region from a locale such as "en-IN",
// "pt_BR.UTF-8" or "es-419". fallback is returned when the locale names no
// country the phone plan knows.
func RegionForLocale(locale, fallback string) string {
	locale, _, _ = strings.Cut(strings.TrimSpace(locale), ".")
	locale = strings.ReplaceAll(locale, "_", "-")
	if locale == "" || locale == "C" || locale == "POSIX" {
		return fallback
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return fallback
	}
	region, conf := tag.Region()
	if conf == language.No || !region.IsCountry() {
		return fallback
	}
	code := region.String()
	if phonenumbers.GetCountryCodeForRegion(code) == 0 {
		return fallback
	}
	return code
}

// Resolve normalizes raw using the region inferred from locale and derives
// the hand-off targets. ok is false when the number is unusable; callers
// treat that as the hand-off being unavailable.
func Resolve(raw, locale, fallback string) (Handoff, bool) {
	e164, ok := Normalize(raw, RegionForLocale(locale, fallback))
	if !ok {
		return Handoff{}, false
	}
	digits := strings.TrimPrefix(e164, "+")
	return Handoff{
		E164:     e164,
		Dial:     "tel:" + e164,
		WhatsApp: "https://wa.me/" + digits,
		JID:      types.NewJID(digits, types.DefaultUserServer).String(),
	}, true
}

// Resolver binds Resolve to configured defaults.
type Resolver struct {
	Locale        string
	DefaultRegion string
}

// Resolve uses locale when given and the resolver's own locale otherwise.
func (r Resolver) Resolve(raw, locale string) (Handoff, bool) {
	if locale == "" {
		locale = r.Locale
	}
	return Resolve(raw, locale, r.DefaultRegion)
}
