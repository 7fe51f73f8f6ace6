package models

import "testing"

func TestIsPhoneNumber(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"+998901234567", true},
		{"901234567", true},
		{"123456789012345", true},
		{"+123456789012345", true},
		{"12-34", false},
		{"abc123456789", false},
		{"12345678", false},           // too short
		{"1234567890123456", false},   // too long
		{"+", false},
		{"", false},
		{"+998 90 123 45 67", false},  // spaces not allowed
	}

	for _, c := range cases {
		if got := IsPhoneNumber(c.text); got != c.want {
			t.Errorf("IsPhoneNumber(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}
