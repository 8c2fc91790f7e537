package contact

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		region string
		want   string
		ok     bool
	}{
		{"national india", "098765 43210", "IN", "+919876543210", true},
		{"international ignores region", "+55 (62) 99999-0000", "US", "+5562999990000", true},
		{"lower-case region", "(650) 253-0000", "us", "+16502530000", true},
		{"blank", "   ", "IN", "", false},
		{"garbage", "call me", "IN", "", false},
		{"too short", "123", "BR", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.raw, tt.region)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Normalize(%q, %q) = %q, %v; want %q, %v", tt.raw, tt.region, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRegionForLocale(t *testing.T) {
	tests := []struct {
		locale string
		want   string
	}{
		{"en-IN", "IN"},
		{"pt_BR.UTF-8", "BR"},
		{"en-GB", "GB"},
		{"es-419", "KE"},
		{"", "KE"},
		{"C", "KE"},
		{"not a locale!", "KE"},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			if got := RegionForLocale(tt.locale, "KE"); got != tt.want {
				t.Errorf("RegionForLocale(%q) = %q, want %q", tt.locale, got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	h, ok := Resolve("98765 43210", "en-IN", "US")
	if !ok {
		t.Fatal("Resolve() = not ok")
	}
	want := Handoff{
		E164:     "+919876543210",
		Dial:     "tel:+919876543210",
		WhatsApp: "https://wa.me/919876543210",
		JID:      "919876543210@s.whatsapp.net",
	}
	if h != want {
		t.Errorf("Resolve() = %+v, want %+v", h, want)
	}

	if _, ok := Resolve("n/a", "en-IN", "US"); ok {
		t.Error("unparsable number resolved")
	}
}

func TestResolverDefaults(t *testing.T) {
	r := Resolver{Locale: "en-IN", DefaultRegion: "US"}
	h, ok := r.Resolve("98765 43210", "")
	if !ok || h.E164 != "+919876543210" {
		t.Errorf("Resolve() = %+v, %v", h, ok)
	}
	// An explicit locale wins over the configured one.
	h, ok = r.Resolve("(650) 253-0000", "en-US")
	if !ok || h.E164 != "+16502530000" {
		t.Errorf("Resolve() = %+v, %v", h, ok)
	}
}
