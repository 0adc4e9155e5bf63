package hand

import "testing"

// TestNewDeck verifies the deck holds 52 unique valid cards.
func TestNewDeck(t *testing.T) {
	deck := NewDeck()
	if len(deck) != DeckSize {
		t.Fatalf("len(deck) = %d, want %d", len(deck), DeckSize)
	}
	seen := make(map[Card]bool)
	for i, c := range deck {
		if !c.Valid() {
			t.Errorf("deck[%d] = %#x is invalid", i, uint8(c))
		}
		if seen[c] {
			t.Errorf("duplicate card %s at index %d", c, i)
		}
		seen[c] = true
	}
}

// TestShufflePreservesDeck verifies shuffling keeps the same card multiset.
func TestShufflePreservesDeck(t *testing.T) {
	deck := NewDeck()
	if err := Shuffle(deck); err != nil {
		t.Fatalf("Shuffle: %v", err)
	}
	if len(deck) != DeckSize {
		t.Fatalf("len after shuffle = %d, want %d", len(deck), DeckSize)
	}
	seen := make(map[Card]bool)
	for _, c := range deck {
		if seen[c] {
			t.Fatalf("duplicate card %s after shuffle", c)
		}
		seen[c] = true
	}
}

// TestDeal verifies hands are disjoint and of the requested size.
func TestDeal(t *testing.T) {
	hands, err := Deal(2, 7)
	if err != nil {
		t.Fatalf("Deal: %v", err)
	}
	if len(hands) != 2 {
		t.Fatalf("len(hands) = %d, want 2", len(hands))
	}
	seen := make(map[Card]bool)
	for p, h := range hands {
		if len(h) != 7 {
			t.Errorf("hand %d has %d cards, want 7", p, len(h))
		}
		for _, c := range h {
			if seen[c] {
				t.Errorf("card %s dealt twice", c)
			}
			seen[c] = true
		}
	}
}

// TestDealTooMany verifies over-subscription fails.
func TestDealTooMany(t *testing.T) {
	if _, err := Deal(8, 7); err == nil {
		t.Fatal("Deal(8, 7) should exceed the deck and fail")
	}
}

func TestParseCardRoundTrip(t *testing.T) {
	for _, c := range NewDeck() {
		parsed, err := ParseCard(c.String())
		if err != nil {
			t.Fatalf("ParseCard(%q): %v", c.String(), err)
		}
		if parsed != c {
			t.Errorf("round trip %s -> %s", c, parsed)
		}
	}
}

func TestParseCardRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "A", "1H", "AX", "ZZ", "AHH"} {
		if _, err := ParseCard(s); err == nil {
			t.Errorf("ParseCard(%q) should fail", s)
		}
	}
}

// TestLowestN verifies the timeout default picks the lowest ranks
// deterministically.
func TestLowestN(t *testing.T) {
	cards := mustCards(t, "AS", "2H", "KD", "3C", "9S", "2C", "7D")
	got := LowestN(cards, 5)
	want := mustCards(t, "2C", "2H", "3C", "7D", "9S")
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("LowestN[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestContainsAll(t *testing.T) {
	cards := mustCards(t, "AS", "KD", "QH", "JC", "TS")
	if !ContainsAll(cards, mustCards(t, "QH", "AS")) {
		t.Error("subset should be contained")
	}
	if ContainsAll(cards, mustCards(t, "QH", "QH")) {
		t.Error("duplicate card must not count twice")
	}
	if ContainsAll(cards, mustCards(t, "2D")) {
		t.Error("absent card reported as contained")
	}
}

func mustCards(t *testing.T, ss ...string) []Card {
	t.Helper()
	out := make([]Card, len(ss))
	for i, s := range ss {
		c, err := ParseCard(s)
		if err != nil {
			t.Fatalf("ParseCard(%q): %v", s, err)
		}
		out[i] = c
	}
	return out
}
