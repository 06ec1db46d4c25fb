package validation

import (
	"testing"
)

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestIsValidTxHash(t *testing.T) {
	tests := []struct {
		hash  string
		valid bool
	}{
		{"0x" + "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12", true},
		{"0x1234567890123456789012345678901234567890", false}, // address, not hash
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidTxHash(tc.hash); got != tc.valid {
			t.Errorf("IsValidTxHash(%q) = %v, want %v", tc.hash, got, tc.valid)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
		{"0xABCDEF1234567890123456789012345678901234", "0xabcdef1234567890123456789012345678901234"},
		{"  0x1234567890123456789012345678901234567890  ", "0x1234567890123456789012345678901234567890"},
		{"1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
	}

	for _, tc := range tests {
		result := SanitizeAddress(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizeAddress(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("currency", "USD"),
		ValidAddress("maker", "0x1234567890123456789012345678901234567890"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("currency", ""),
		ValidAddress("maker", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.000001", true},
		{"0.00000001", true}, // 8 decimal places, at the limit

		// Invalid
		{"abc", false},
		{"-1.00", false},
		{"0", false},
		{"0.00", false},
		{"1.2.3", false},
		{"0.000000001", false}, // 9 decimal places
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestValidCurrency(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"USD", true},
		{"EUR", true},
		{"", true}, // optional, use Required for required fields
		{"usd", false},
		{"USDT", false},
		{"US", false},
	}

	for _, tc := range tests {
		err := ValidCurrency("currency", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidCurrency(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestValidStars(t *testing.T) {
	for _, stars := range []int{1, 2, 3, 4, 5} {
		if err := ValidStars("stars", stars)(); err != nil {
			t.Errorf("ValidStars(%d) unexpected error: %v", stars, err)
		}
	}
	for _, stars := range []int{0, -1, 6, 100} {
		if err := ValidStars("stars", stars)(); err == nil {
			t.Errorf("ValidStars(%d) expected error", stars)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
