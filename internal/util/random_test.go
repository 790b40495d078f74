package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantPrefix string
		wantLength int // expected total length: prefix + hexLength
	}{
		{
			name:       "outbox ID format",
			prefix:     "outbox_",
			hexLength:  32,
			wantPrefix: "outbox_",
			wantLength: 39,
		},
		{
			name:       "custom prefix",
			prefix:     "test_",
			hexLength:  16,
			wantPrefix: "test_",
			wantLength: 21,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)

			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.wantPrefix)
			}

			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}

			hexPart := got[len(tt.wantPrefix):]
			if !isValidHex(hexPart) {
				t.Errorf("GenerateRandomID() hex part = %v is not valid hex", hexPart)
			}
		})
	}
}

func TestGenerateRandomHex(t *testing.T) {
	tests := []struct {
		name   string
		length int
		want   int
	}{
		{"zero length", 0, 0},
		{"negative length", -1, 0},
		{"small length", 8, 8},
		{"large length", 64, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomHex(tt.length)

			if len(got) != tt.want {
				t.Errorf("GenerateRandomHex() length = %v, want %v", len(got), tt.want)
			}

			if tt.want > 0 && !isValidHex(got) {
				t.Errorf("GenerateRandomHex() = %v is not valid hex", got)
			}
		})
	}
}

func TestGenerateOutboxID(t *testing.T) {
	got := GenerateOutboxID()
	if !strings.HasPrefix(got, "outbox_") || len(got) != 39 {
		t.Errorf("GenerateOutboxID() = %v, want outbox_ prefix and 39 chars", got)
	}
}

func TestSequenceRandomCycles(t *testing.T) {
	r := &SequenceRandom{Floats: []float64{0.1, 0.9}, Ints: []int{4, -3}}

	want := []float64{0.1, 0.9, 0.1}
	for i, w := range want {
		if got := r.Float64(); got != w {
			t.Errorf("Float64() call %d = %v, want %v", i, got, w)
		}
	}
	if got := r.IntN(3); got != 1 {
		t.Errorf("IntN(3) = %d, want 1", got)
	}
	if got := r.IntN(3); got != 0 {
		t.Errorf("IntN(3) with negative value = %d, want 0", got)
	}
}

func TestSequenceRandomEmpty(t *testing.T) {
	r := &SequenceRandom{}
	if r.Float64() != 0 || r.IntN(5) != 0 {
		t.Error("empty SequenceRandom should return zero values")
	}
}

func TestDefaultRandomRange(t *testing.T) {
	r := DefaultRandom()
	for i := 0; i < 100; i++ {
		if f := r.Float64(); f < 0 || f >= 1 {
			t.Fatalf("Float64() = %v out of range", f)
		}
		if n := r.IntN(3); n < 0 || n >= 3 {
			t.Fatalf("IntN(3) = %v out of range", n)
		}
	}
}

func TestRandomHexUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)

	for i := 0; i < iterations; i++ {
		hex := GenerateRandomHex(16)
		if seen[hex] {
			t.Errorf("GenerateRandomHex() generated duplicate: %v", hex)
		}
		seen[hex] = true
	}
}

// Helper function to validate hex strings
func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
