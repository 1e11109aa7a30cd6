package fare

import (
	"context"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestQuote(t *testing.T) {
	tbl := DefaultTable()
	cases := []struct {
		class models.VehicleClass
		km    float64
		total float64
	}{
		{models.ClassSedan, 10, 236}, // (45 + 180) * 1.05 = 236.25
		{models.ClassSUV, 4, 168},    // (60 + 100) * 1.05
		{models.ClassMini, 0, 37},    // 35 * 1.05 = 36.75
		{"unknown", 1, 49},           // default rate (35 + 12) * 1.05 = 49.35
	}
	for _, c := range cases {
		b, err := tbl.Quote(context.Background(), c.km, c.class)
		if err != nil {
			t.Fatalf("%s: %v", c.class, err)
		}
		if b.Total != c.total {
			t.Fatalf("%s %.1fkm: expected %.0f, got %+v", c.class, c.km, c.total, b)
		}
	}
}

func TestQuoteRejectsInvalidDistance(t *testing.T) {
	for _, km := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := DefaultTable().Quote(context.Background(), km, models.ClassSedan); err != ErrInvalidDistance {
			t.Errorf("Quote(%v): expected ErrInvalidDistance, got %v", km, err)
		}
	}
	if _, err := DefaultTable().Quote(context.Background(), 0, models.ClassSedan); err != nil {
		t.Fatalf("zero distance should quote the base fare, got %v", err)
	}
}
