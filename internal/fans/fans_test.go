package fans

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct{ fan, percent int }

type recorder struct {
	calls  []call
	failOn int
}

func (r *recorder) SetFanSpeed(_ context.Context, fan int, percent int) error {
	r.calls = append(r.calls, call{fan, percent})
	if fan == r.failOn {
		return errors.New("bmc unreachable")
	}
	return nil
}

func TestSetFanSpeeds(t *testing.T) {
	r := &recorder{failOn: -1}

	_, err := SetFanSpeeds(context.Background(), r, 2, 0.505, nil)
	require.NoError(t, err)
	require.Equal(t, []call{{0, 51}, {1, 50}}, r.calls)
}

func TestDistribute(t *testing.T) {
	tests := []struct {
		name   string
		count  int
		target float64
		want   []int
	}{
		{name: "idle", count: 4, target: 0, want: []int{0, 0, 0, 0}},
		{name: "full", count: 4, target: 1, want: []int{100, 100, 100, 100}},
		{name: "even", count: 4, target: 0.5, want: []int{50, 50, 50, 50}},
		{name: "one extra", count: 2, target: 0.505, want: []int{51, 50}},
		{name: "small fraction rounds down", count: 2, target: 0.501, want: []int{50, 50}},
		{name: "three extra", count: 4, target: 0.4075, want: []int{41, 41, 41, 40}},
		{name: "half point", count: 1, target: 0.575, want: []int{58}},
		{name: "r510", count: 4, target: 0.8, want: []int{80, 80, 80, 80}},
		{name: "single fan full", count: 1, target: 1, want: []int{100}},
		{name: "small", count: 3, target: 0.01, want: []int{1, 1, 1}},
		{name: "tiny", count: 3, target: 0.002, want: []int{1, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Distribute(tt.count, tt.target)
			require.NoError(t, err)

			percents := make([]int, len(got))
			for i, a := range got {
				require.Equal(t, i, a.Fan)
				percents[i] = a.Percent
			}
			require.Equal(t, tt.want, percents)
		})
	}
}

func TestDistributeConservation(t *testing.T) {
	for count := 1; count <= 8; count++ {
		for step := 0; step <= 1000; step++ {
			target := float64(step) / 1000

			got, err := Distribute(count, target)
			require.NoError(t, err)
			require.Len(t, got, count)

			// step*count/10 is the exact product in percentage points
			want := int(math.Round(float64(step*count) / 10))
			sum := 0
			base := got[count-1].Percent
			for i, a := range got {
				sum += a.Percent
				require.True(t, a.Percent == base || a.Percent == base+1, "count %d target %v", count, target)
				require.LessOrEqual(t, a.Percent, 100)
				// the boosted fans come first
				if i > 0 {
					require.LessOrEqual(t, a.Percent, got[i-1].Percent)
				}
			}
			require.Equal(t, want, sum, "count %d target %v", count, target)
		}
	}
}

func TestDistributeDeterministic(t *testing.T) {
	first, err := Distribute(5, 0.437)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Distribute(5, 0.437)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	// 218.5 -> 219 = 43*5 + 4
	assert.Equal(t, []Assignment{{0, 44}, {1, 44}, {2, 44}, {3, 44}, {4, 43}}, first)
}

func TestDistributeInvalid(t *testing.T) {
	for _, tc := range []struct {
		count  int
		target float64
	}{{0, 0.5}, {-1, 0.5}, {4, -0.1}, {4, 1.01}, {4, math.NaN()}} {
		_, err := Distribute(tc.count, tc.target)
		require.Error(t, err, "count %d target %v", tc.count, tc.target)
	}
}

func TestApplyStopsOnFailure(t *testing.T) {
	r := &recorder{failOn: 1}

	_, err := SetFanSpeeds(context.Background(), r, 4, 0.3, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "fan 1")
	require.Equal(t, []call{{0, 30}, {1, 30}}, r.calls)
}
