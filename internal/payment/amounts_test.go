package payment

import (
	"errors"
	"math/big"
	"testing"
)

func TestPriceFor(t *testing.T) {
	tests := []struct {
		plan Plan
		want int64
		err  bool
	}{
		{PlanPro, 2000, false},
		{PlanPremium, 4000, false},
		{PlanFree, 0, true},
		{Plan("enterprise"), 0, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			got, err := PriceFor(tt.plan)
			if tt.err {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("Expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("PriceFor(%s) = %d, %v; want %d", tt.plan, got, err, tt.want)
			}
		})
	}
}

func TestCentsToBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		cents    int64
		decimals uint8
		want     string
	}{
		{"usdt 6dp pro", 2000, 6, "20000000"},
		{"usdt 6dp premium", 4000, 6, "40000000"},
		{"bsc 18dp premium exceeds uint64", 4000, 18, "40000000000000000000"},
		{"fiat cents", 2000, 2, "2000"},
		{"zero decimals", 2000, 0, "20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CentsToBaseUnits(tt.cents, tt.decimals)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}

	if _, err := CentsToBaseUnits(2050, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for unrepresentable price, got %v", err)
	}
}

func TestParseAndFormatAmount(t *testing.T) {
	got, err := ParseAmount("20.5", 6)
	if err != nil || got.Cmp(big.NewInt(20_500_000)) != 0 {
		t.Errorf("ParseAmount(20.5) = %v, %v", got, err)
	}

	if _, err := ParseAmount("0.0000001", 6); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for excess precision, got %v", err)
	}
	if _, err := ParseAmount("-1", 6); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for negative amount, got %v", err)
	}

	if s := FormatAmount(big.NewInt(180000), 6); s != "0.18" {
		t.Errorf("FormatAmount = %s, want 0.18", s)
	}
	if s := FormatAmount(nil, 6); s != "0" {
		t.Errorf("FormatAmount(nil) = %s", s)
	}
}
