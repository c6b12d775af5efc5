package surge

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestClampMultiplier(t *testing.T) {
	max := decimal.NewFromFloat(5.0)
	tests := []struct {
		name  string
		ratio string
		want  string
	}{
		{name: "no demand", ratio: "0", want: "1"},
		{name: "just under low threshold", ratio: "0.49", want: "1"},
		{name: "at low threshold", ratio: "0.5", want: "1.5"},
		{name: "just under mid threshold", ratio: "0.99", want: "1.5"},
		{name: "at mid threshold", ratio: "1.0", want: "2"},
		{name: "just under high threshold", ratio: "1.99", want: "2"},
		{name: "at high threshold", ratio: "2.0", want: "3"},
		{name: "just under cap threshold", ratio: "2.99", want: "3"},
		{name: "at cap threshold passes through", ratio: "3.0", want: "3"},
		{name: "above cap passes through until max", ratio: "4.5", want: "4.5"},
		{name: "clamped at configured max", ratio: "9", want: "5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clampMultiplier(decimal.RequireFromString(tt.ratio), max)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("clampMultiplier(%s) = %s, want %s", tt.ratio, got, tt.want)
			}
		})
	}
}

func TestClampMultiplierRespectsLowerMax(t *testing.T) {
	// A max below the ratio's natural passthrough value must still win.
	got := clampMultiplier(decimal.RequireFromString("10"), decimal.RequireFromString("2.5"))
	if !got.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("clampMultiplier capped at configured max = %s, want 2.5", got)
	}
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "zero", input: "0", want: 0},
		{name: "positive", input: "42", want: 42},
		{name: "not a number", input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInt(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseInt(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseInt(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
