package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDeriveStatus(t *testing.T) {
	original := decimal.NewFromInt(2)

	tests := []struct {
		name      string
		remaining decimal.Decimal
		want      OrderStatus
	}{
		{"untouched", decimal.NewFromInt(2), OrderStatusOpen},
		{"partially filled", decimal.RequireFromString("0.5"), OrderStatusPartial},
		{"fully filled", decimal.Zero, OrderStatusFilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.remaining, original); got != tt.want {
				t.Errorf("DeriveStatus(%s, 2) = %s, want %s", tt.remaining, got, tt.want)
			}
		})
	}
}

func TestOrder_SettledStatus(t *testing.T) {
	t.Run("Market order never rests", func(t *testing.T) {
		o := Order{Type: OrderTypeMarket, OriginalQuantity: decimal.NewFromInt(2), Quantity: decimal.NewFromInt(1)}
		if o.SettledStatus() != OrderStatusFilled {
			t.Errorf("Expected filled, got %s", o.SettledStatus())
		}
		if !o.Remaining().IsZero() {
			t.Errorf("Expected zero remaining, got %s", o.Remaining())
		}
	})

	t.Run("Market order with no fills", func(t *testing.T) {
		o := Order{Type: OrderTypeMarket, OriginalQuantity: decimal.NewFromInt(2), Quantity: decimal.NewFromInt(2)}
		if o.SettledStatus() != OrderStatusFilled {
			t.Errorf("Expected filled, got %s", o.SettledStatus())
		}
	})

	t.Run("Limit order resting partially", func(t *testing.T) {
		o := Order{Type: OrderTypeLimit, OriginalQuantity: decimal.NewFromInt(2), Quantity: decimal.NewFromInt(1)}
		if o.SettledStatus() != OrderStatusPartial {
			t.Errorf("Expected partial, got %s", o.SettledStatus())
		}
		if !o.Filled().Equal(decimal.NewFromInt(1)) {
			t.Errorf("Expected filled 1, got %s", o.Filled())
		}
	})
}

func TestSide_Opposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Opposite side mismatch")
	}
	if Side("hold").Valid() {
		t.Error("unknown side must be invalid")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	if got := NormalizeSymbol("  btc-usd "); got != "BTC-USD" {
		t.Errorf("NormalizeSymbol = %q", got)
	}
}
