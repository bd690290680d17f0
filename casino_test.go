package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeck(t *testing.T) {
	deck := newDeck()
	require.Len(t, deck, 52)

	seen := map[card]bool{}
	for _, c := range deck {
		assert.False(t, seen[c], "duplicate card %s", c)
		seen[c] = true
	}
}

func TestHandValue(t *testing.T) {
	tests := []struct {
		name string
		hand []card
		want int
	}{
		{"number cards", []card{{"2", "♠"}, {"7", "♥"}}, 9},
		{"face cards", []card{{"K", "♠"}, {"Q", "♥"}}, 20},
		{"ten", []card{{"10", "♦"}, {"9", "♣"}}, 19},
		{"soft ace", []card{{"A", "♠"}, {"6", "♥"}}, 17},
		{"natural", []card{{"A", "♠"}, {"K", "♥"}}, 21},
		{"ace drops to one", []card{{"A", "♠"}, {"9", "♥"}, {"5", "♦"}}, 15},
		{"two aces", []card{{"A", "♠"}, {"A", "♥"}}, 12},
		{"two aces plus nine", []card{{"A", "♠"}, {"A", "♥"}, {"9", "♦"}}, 21},
		{"bust", []card{{"K", "♠"}, {"Q", "♥"}, {"5", "♦"}}, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, handValue(tt.hand))
		})
	}
}

func TestBlackjackDraw(t *testing.T) {
	g := &blackjackGame{deck: newDeck()}
	first := g.deck[0]
	drawn := g.draw()
	assert.Equal(t, first, drawn)
	assert.Len(t, g.deck, 51)
}

func TestRouletteReds(t *testing.T) {
	// 18 red, 18 black, one green zero.
	assert.Len(t, rouletteReds, 18)
	assert.False(t, rouletteReds[0])

	black := 0
	for pocket := 1; pocket <= 36; pocket++ {
		if !rouletteReds[pocket] {
			black++
		}
	}
	assert.Equal(t, 18, black)
}

func TestBlackjackBodyHidesHoleCard(t *testing.T) {
	g := &blackjackGame{
		bet:    50,
		player: []card{{"9", "♠"}, {"7", "♥"}},
		dealer: []card{{"K", "♦"}, {"5", "♣"}},
	}

	hidden := blackjackBody(g, true)
	assert.Contains(t, hidden, "K♦")
	assert.NotContains(t, hidden, "5♣")
	assert.Contains(t, hidden, "(?)")

	revealed := blackjackBody(g, false)
	assert.Contains(t, revealed, "5♣")
	assert.Contains(t, revealed, "(15)")
}
