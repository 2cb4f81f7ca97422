package sizing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/scalper/internal/broker"
)

func gold() *broker.Instrument {
	return &broker.Instrument{
		Symbol: "XAUUSD", Point: 0.01, Digits: 2,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
		PointValue: 1, Tradeable: true,
	}
}

func atrParams() Params {
	return Params{Mode: ModeATR, RiskPercent: 0.5, MinStopPoints: 150, SLMultiplier: 1.5, RiskReward: 2.0}
}

func TestATRModeWorkedExample(t *testing.T) {
	plan, err := NewCalculator(atrParams()).Plan(Input{
		Side: broker.SideBuy, Entry: 2000.00, ATR: 1.00, Confidence: 85, Balance: 10000, Instrument: gold(),
	})
	require.NoError(t, err)
	assert.Equal(t, 150.0, plan.StopPoints)
	assert.Equal(t, 300.0, plan.TargetPoints)
	assert.Equal(t, 1998.50, plan.StopLoss)
	assert.Equal(t, 2003.00, plan.TakeProfit)
	assert.Equal(t, 50.0, plan.RiskAmount)
	assert.Equal(t, 0.33, plan.Volume)
	assert.Equal(t, ModeATR, plan.Mode)
}

func TestATRModeMirrorsForSell(t *testing.T) {
	plan, err := NewCalculator(atrParams()).Plan(Input{
		Side: broker.SideSell, Entry: 2000.00, ATR: 2.00, Balance: 10000, Instrument: gold(),
	})
	require.NoError(t, err)
	assert.Equal(t, 300.0, plan.StopPoints)
	assert.Equal(t, 2003.00, plan.StopLoss)
	assert.Equal(t, 1994.00, plan.TakeProfit)
}

func TestATRModeMinStopFloor(t *testing.T) {
	plan, err := NewCalculator(atrParams()).Plan(Input{
		Side: broker.SideBuy, Entry: 2000.00, ATR: 0.20, Balance: 10000, Instrument: gold(),
	})
	require.NoError(t, err)
	assert.Equal(t, 150.0, plan.StopPoints)
}

func TestATRModeConfidenceAdaptation(t *testing.T) {
	p := atrParams()
	p.MinStopPoints = 0
	p.AdaptConfidence = 85
	p.AdaptSLFactor = 0.8
	p.AdaptRRFactor = 1.5
	calc := NewCalculator(p)

	hi, err := calc.Plan(Input{Side: broker.SideBuy, Entry: 2000, ATR: 1, Confidence: 85, Balance: 10000, Instrument: gold()})
	require.NoError(t, err)
	assert.InDelta(t, 120, hi.StopPoints, 1e-9)
	assert.InDelta(t, 360, hi.TargetPoints, 1e-9)

	lo, err := calc.Plan(Input{Side: broker.SideBuy, Entry: 2000, ATR: 1, Confidence: 75, Balance: 10000, Instrument: gold()})
	require.NoError(t, err)
	assert.InDelta(t, 150, lo.StopPoints, 1e-9)
	assert.InDelta(t, 300, lo.TargetPoints, 1e-9)
}

func TestFixedModes(t *testing.T) {
	fx := &broker.Instrument{Symbol: "EURUSD", Point: 0.00001, Digits: 5, VolumeMin: 0.01, VolumeMax: 50, VolumeStep: 0.01, PointValue: 1}

	points, err := NewCalculator(Params{Mode: ModePoints, RiskPercent: 1, SLPoints: 200, TPPoints: 400}).
		Plan(Input{Side: broker.SideBuy, Entry: 1.10000, Balance: 1000, Instrument: fx})
	require.NoError(t, err)
	assert.Equal(t, 1.09800, points.StopLoss)
	assert.Equal(t, 1.10400, points.TakeProfit)
	assert.Equal(t, 0.05, points.Volume)

	pips, err := NewCalculator(Params{Mode: ModePips, RiskPercent: 1, SLPips: 20, TPPips: 40}).
		Plan(Input{Side: broker.SideSell, Entry: 1.10000, Balance: 1000, Instrument: fx})
	require.NoError(t, err)
	assert.Equal(t, 200.0, pips.StopPoints)
	assert.Equal(t, 1.10200, pips.StopLoss)
	assert.Equal(t, 1.09600, pips.TakeProfit)

	// 2-digit quote: a pip is a point
	goldPips, err := NewCalculator(Params{Mode: ModePips, RiskPercent: 1, SLPips: 20, TPPips: 40}).
		Plan(Input{Side: broker.SideBuy, Entry: 2000, Balance: 1000, Instrument: gold()})
	require.NoError(t, err)
	assert.Equal(t, 20.0, goldPips.StopPoints)
}

func TestPercentMode(t *testing.T) {
	plan, err := NewCalculator(Params{Mode: ModePercent, RiskPercent: 0.5, SLPercent: 1, TPPercent: 2}).
		Plan(Input{Side: broker.SideBuy, Entry: 2000, Balance: 10000, Instrument: gold()})
	require.NoError(t, err)
	assert.Equal(t, 100.0, plan.StopPoints)
	assert.Equal(t, 200.0, plan.TargetPoints)
	assert.Equal(t, 1999.00, plan.StopLoss)
	assert.Equal(t, 2002.00, plan.TakeProfit)
}

func TestMissingMetadataAbstains(t *testing.T) {
	calc := NewCalculator(atrParams())
	base := Input{Side: broker.SideBuy, Entry: 2000, ATR: 1, Balance: 10000, Instrument: gold()}

	noInstrument := base
	noInstrument.Instrument = nil
	_, err := calc.Plan(noInstrument)
	assert.ErrorIs(t, err, ErrMissingMetadata)

	noPointValue := base
	in := *gold()
	in.PointValue = 0
	noPointValue.Instrument = &in
	_, err = calc.Plan(noPointValue)
	assert.ErrorIs(t, err, ErrMissingMetadata)

	noBalance := base
	noBalance.Balance = 0
	_, err = calc.Plan(noBalance)
	assert.ErrorIs(t, err, ErrMissingMetadata)

	badATR := base
	badATR.ATR = math.NaN()
	_, err = calc.Plan(badATR)
	assert.ErrorIs(t, err, ErrInvalidInput)

	zeroEntry := base
	zeroEntry.Entry = 0
	_, err = calc.Plan(zeroEntry)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewCalculator(Params{Mode: ModePoints, RiskPercent: 1}).Plan(base)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDigitsThatCannotExpressPointAreMissingMetadata(t *testing.T) {
	fx := &broker.Instrument{Symbol: "EURUSD", Point: 0.00001, Digits: 0, VolumeMin: 0.01, VolumeMax: 50, VolumeStep: 0.01, PointValue: 1}
	calc := NewCalculator(Params{Mode: ModePoints, RiskPercent: 0.5, SLPoints: 100, TPPoints: 200})

	_, err := calc.Plan(Input{Side: broker.SideBuy, Entry: 1.08500, Balance: 10000, Instrument: fx})
	require.ErrorIs(t, err, ErrMissingMetadata)

	fx.Digits = 5
	plan, err := calc.Plan(Input{Side: broker.SideBuy, Entry: 1.08500, Balance: 10000, Instrument: fx})
	require.NoError(t, err)
	assert.Equal(t, 1.08400, plan.StopLoss)
	assert.Equal(t, 1.08700, plan.TakeProfit)
}

func TestRoundedExitsMustBracketEntry(t *testing.T) {
	// 0.4 points rounds back onto the entry at two digits.
	calc := NewCalculator(Params{Mode: ModePoints, RiskPercent: 0.5, SLPoints: 0.4, TPPoints: 0.4})
	for _, side := range []broker.Side{broker.SideBuy, broker.SideSell} {
		t.Run(string(side), func(t *testing.T) {
			_, err := calc.Plan(Input{Side: side, Entry: 2000.60, Balance: 10000, Instrument: gold()})
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	plan, err := NewCalculator(Params{Mode: ModePoints, RiskPercent: 0.5, SLPoints: 1, TPPoints: 2}).
		Plan(Input{Side: broker.SideSell, Entry: 2000.60, Balance: 10000, Instrument: gold()})
	require.NoError(t, err)
	assert.Equal(t, 2000.61, plan.StopLoss)
	assert.Equal(t, 2000.58, plan.TakeProfit)
}

func TestDigitsFitPoint(t *testing.T) {
	cases := []struct {
		point  float64
		digits int
		ok     bool
	}{
		{0.01, 2, true},
		{0.00001, 5, true},
		{0.01, 3, true},
		{1, 0, true},
		{0.00001, 0, false},
		{0.01, 1, false},
		{0, 2, false},
		{0.01, -1, false},
	}
	for _, tc := range cases {
		in := broker.Instrument{Point: tc.point, Digits: tc.digits}
		assert.Equal(t, tc.ok, in.DigitsFitPoint(), "point %v digits %d", tc.point, tc.digits)
	}
}

func TestVolumeWithinBoundsAndOnStep(t *testing.T) {
	ins := &broker.Instrument{Point: 0.01, Digits: 2, VolumeMin: 0.1, VolumeMax: 5, VolumeStep: 0.05, PointValue: 1}
	calc := NewCalculator(Params{Mode: ModePoints, RiskPercent: 1, SLPoints: 150, TPPoints: 300})

	for _, bal := range []float64{10, 500, 1234.56, 9999, 40000, 1e6} {
		plan, err := calc.Plan(Input{Side: broker.SideBuy, Entry: 2000, Balance: bal, Instrument: ins})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, plan.Volume, ins.VolumeMin, "balance %v", bal)
		assert.LessOrEqual(t, plan.Volume, ins.VolumeMax, "balance %v", bal)
		steps := plan.Volume / ins.VolumeStep
		assert.InDelta(t, math.Round(steps), steps, 1e-9, "balance %v volume %v", bal, plan.Volume)
	}
}
