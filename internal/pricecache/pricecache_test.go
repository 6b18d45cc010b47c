package pricecache

import (
	"math"
	"testing"

	"marketfeed/internal/types"
)

func TestPartialUpdateKeepsPriorFields(t *testing.T) {
	c := New()

	c.Upsert("RELIANCE", types.PartialUpdate{LastPrice: types.F(100), Volume: types.F(5000)})
	got := c.Upsert("RELIANCE", types.PartialUpdate{Bid: types.F(99)})

	if got.LastPrice != 100 {
		t.Errorf("Expected LastPrice 100 to survive, got %.2f", got.LastPrice)
	}
	if got.Volume != 5000 {
		t.Errorf("Expected Volume 5000 to survive, got %.0f", got.Volume)
	}
	if got.Bid != 99 {
		t.Errorf("Expected Bid 99, got %.2f", got.Bid)
	}
}

func TestUnseenSymbolIsSeeded(t *testing.T) {
	c := New()

	got := c.Upsert("TCS", types.PartialUpdate{VendorKey: "NSE_EQ|INE467B01029", Ask: types.F(3500.5)})

	if got.Symbol != "TCS" || got.VendorKey != "NSE_EQ|INE467B01029" {
		t.Errorf("Expected identity fields, got %+v", got)
	}
	if got.LastPrice != 0 || got.Ask != 3500.5 {
		t.Errorf("Expected zero-seeded record with ask, got %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Expected UpdatedAt to be set")
	}
}

func TestChangeDerivation(t *testing.T) {
	c := New()

	got := c.Upsert("INFY", types.PartialUpdate{LastPrice: types.F(110)})
	if got.ChangeKnown {
		t.Error("Expected change unknown without previous close")
	}

	got = c.Upsert("INFY", types.PartialUpdate{PreviousClose: types.F(100)})
	if !got.ChangeKnown {
		t.Fatal("Expected change known once both prices are present")
	}
	if got.PriceChange != 10 {
		t.Errorf("Expected change 10, got %.2f", got.PriceChange)
	}
	if math.Abs(got.PriceChangePercent-10) > 1e-9 {
		t.Errorf("Expected 10%%, got %.4f", got.PriceChangePercent)
	}

	got = c.Upsert("SBIN", types.PartialUpdate{LastPrice: types.F(50), PreviousClose: types.F(0)})
	if got.ChangeKnown || math.IsInf(got.PriceChangePercent, 0) || math.IsNaN(got.PriceChangePercent) {
		t.Errorf("Expected change left unset for zero previous close, got %+v", got)
	}
}

func TestReadsAreSnapshots(t *testing.T) {
	c := New()
	c.Upsert("ITC", types.PartialUpdate{LastPrice: types.F(400)})

	all := c.GetAll()
	all["ITC"] = types.PriceUpdate{Symbol: "ITC", LastPrice: 1}
	delete(all, "ITC")

	got, ok := c.Get("ITC")
	if !ok || got.LastPrice != 400 {
		t.Errorf("Expected cache unaffected by snapshot mutation, got %+v (%v)", got, ok)
	}
}

func TestRemoveAndClear(t *testing.T) {
	c := New()
	c.Upsert("A", types.PartialUpdate{LastPrice: types.F(1)})
	c.Upsert("B", types.PartialUpdate{LastPrice: types.F(2)})

	c.Remove("A")
	if _, ok := c.Get("A"); ok {
		t.Error("Expected A removed")
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", c.Len())
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Expected empty cache, got %d", c.Len())
	}
}
