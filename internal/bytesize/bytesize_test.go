package bytesize

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"1b", 1},
		{"1K", 1000},
		{"1KB", 1000},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"64Mi", 64 * MiB},
		{"64MB", 64 * MB},
		{"10Gi", 10 * GiB},
		{"2Ti", 2 * TiB},
		{"1.5Ki", 1536},
		{" 16Mi ", 16 * MiB},
		{"100", 100},
	}
	for _, tt := range tests {
		got, err := Parse(tt.input)
		if err != nil {
			t.Errorf("Parse(%q) failed: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "12X", "-5Mi", "1.2.3K"} {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		input ByteSize
		want  string
	}{
		{0, "0"},
		{512, "512"},
		{KiB, "1Ki"},
		{64 * MiB, "64Mi"},
		{10 * GiB, "10Gi"},
		{2 * TiB, "2Ti"},
		{1500, "1500"}, // not a clean binary multiple
	}
	for _, tt := range tests {
		if got := tt.input.String(); got != tt.want {
			t.Errorf("ByteSize(%d).String() = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseStringRoundTrip(t *testing.T) {
	for _, size := range []ByteSize{0, 1, KiB, 16 * MiB, 10 * GiB} {
		parsed, err := Parse(size.String())
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", size.String(), err)
		}
		if parsed != size {
			t.Errorf("round trip of %d gave %d", size, parsed)
		}
	}
}
