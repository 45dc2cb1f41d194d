package entropy

import "testing"

func TestCryptoRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if f := (Crypto{}).Float(); f < 0 || f >= 1 {
			t.Fatalf("Float() = %v", f)
		}
	}
}

func TestSeededIsDeterministic(t *testing.T) {
	a, b := NewSeeded(9), NewSeeded(9)
	for i := 0; i < 50; i++ {
		if a.Float() != b.Float() {
			t.Fatal("same seed diverged")
		}
	}
}

func TestWeightedPick(t *testing.T) {
	weights := []float64{1, 0.02, 1, 0.5}
	tests := []struct {
		f    Fixed
		want int
	}{
		{0, 0},
		{0.39, 0}, // 0.39*2.52 = 0.98
		{0.40, 1}, // 1.008
		{0.41, 2}, // 1.03
		{0.80, 2}, // 2.016
		{0.81, 3}, // 2.04
		{0.9999, 3},
	}
	for _, tt := range tests {
		if got := WeightedPick(tt.f, weights); got != tt.want {
			t.Errorf("WeightedPick(%v) = %d, want %d", float64(tt.f), got, tt.want)
		}
	}
	if got := WeightedPick(Fixed(0.5), []float64{0, -1}); got != -1 {
		t.Errorf("no positive weights: got %d", got)
	}
}

func TestWeightedPickDistribution(t *testing.T) {
	src := NewSeeded(1)
	counts := make([]int, 3)
	for i := 0; i < 30000; i++ {
		counts[WeightedPick(src, []float64{1, 0, 2})]++
	}
	if counts[1] != 0 {
		t.Errorf("zero weight picked %d times", counts[1])
	}
	if ratio := float64(counts[2]) / float64(counts[0]); ratio < 1.8 || ratio > 2.2 {
		t.Errorf("ratio = %.2f, want about 2", ratio)
	}
}

func TestChance(t *testing.T) {
	if !Chance(Fixed(0.49), 0.5) || Chance(Fixed(0.5), 0.5) {
		t.Error("Chance threshold wrong")
	}
}
