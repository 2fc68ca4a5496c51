package scraper

import "testing"

func TestSanitizeHashtag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Café", want: "cafe"},
		{in: "Œuvre", want: "oeuvre"},
		{in: "Æsir", want: "aesir"},
		{in: "Señor_2024", want: "senor_2024"},
		{in: "hello-world!", want: "helloworld"},
		{in: "がんばろう日本", want: "がんばろう日本"},
		{in: "ÀÉÎÕÜ", want: "aeiou"},
		{in: "#!?", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeHashtag(tt.in); got != tt.want {
				t.Errorf("SanitizeHashtag(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
