package validation

import "testing"

func TestIsValidPhone(t *testing.T) {
	tests := []struct {
		name  string
		phone string
		want  bool
	}{
		{"valid kenyan number", "+254712345678", true},
		{"valid safaricom prefix", "+254700000001", true},
		{"empty", "", false},
		{"missing plus", "254712345678", false},
		{"too short", "+25471234567", false},
		{"too long", "+2547123456789", false},
		{"letters", "+2547123a5678", false},
		{"wrong country code", "+255712345678", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidPhone(tt.phone); got != tt.want {
				t.Errorf("IsValidPhone(%q) = %v, want %v", tt.phone, got, tt.want)
			}
		})
	}
}
