package models

import "testing"

func TestNormalizeIGSN(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"bare value", "abcd", "ABCD", true},
		{"prefix path", "10273/abcd", "ABCD", true},
		{"igsn label", "IGSN: abcd", "ABCD", true},
		{"igsn label with prefix", "igsn:10273/ABCD", "ABCD", true},
		{"handle url", "http://hdl.handle.net/10273/ABCD", "ABCD", true},
		{"igsn.org url", "http://igsn.org/ABCD", "ABCD", true},
		{"prefix colon", "10273:847000106", "847000106", true},
		{"padded", "  10273/847000106 ", "847000106", true},
		{"doi", "doi:10.1000/182", "", false},
		{"ark", "ark:/13030/tf5p30086k", "", false},
		{"other url", "http://example.org/ABCD", "", false},
		{"empty", "   ", "", false},
		{"trailing slash", "10273/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeIGSN(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("NormalizeIGSN(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
