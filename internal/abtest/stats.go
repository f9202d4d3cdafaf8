package abtest

import (
	"math"

	"github.com/foxzi/campaigner/internal/models"
)

// VariantStats is the evaluated performance of one variant.
type VariantStats struct {
	VariantID string  `json:"variant_id"`
	Name      string  `json:"name"`
	IsControl bool    `json:"is_control"`
	Sent      int64   `json:"sent"`
	Successes int64   `json:"successes"`
	Rate      float64 `json:"rate"`
	CILow     float64 `json:"ci_low"`
	CIHigh    float64 `json:"ci_high"`

	// PValue and Lift compare against the control; they are zero-valued on
	// the control itself.
	PValue float64 `json:"p_value,omitempty"`
	Lift   float64 `json:"lift,omitempty"`

	// Bayesian fields, populated only when the test enables them.
	ProbabilityBest float64 `json:"probability_best,omitempty"`
	ExpectedLoss    float64 `json:"expected_loss,omitempty"`
}

// Evaluation is the advisory outcome of one statistical pass over a test.
type Evaluation struct {
	TestID           string          `json:"test_id"`
	Metric           models.Metric   `json:"metric"`
	Variants         []*VariantStats `json:"variants"`
	WinnerDeclarable bool            `json:"winner_declarable"`
	// RecommendedVariantID is set only when a winner is declarable.
	RecommendedVariantID string `json:"recommended_variant_id,omitempty"`
}

// Evaluate computes rates, confidence intervals and significance for a test.
// It is pure: callers supply the variants and their counters.
func Evaluate(test *models.ABTest, variants []*models.Variant, counters map[string]*models.Counters) *Evaluation {
	ev := &Evaluation{TestID: test.ID, Metric: test.Metric}

	z := zForConfidence(test.ConfidenceLevel)
	var control *VariantStats
	for _, v := range variants {
		c := counters[v.ID]
		if c == nil {
			c = &models.Counters{VariantID: v.ID}
		}
		s := &VariantStats{
			VariantID: v.ID,
			Name:      v.Name,
			IsControl: v.IsControl,
			Sent:      c.Sent,
			Successes: c.Successes(test.Metric),
		}
		if s.Sent > 0 {
			s.Rate = float64(s.Successes) / float64(s.Sent)
			se := math.Sqrt(s.Rate * (1 - s.Rate) / float64(s.Sent))
			s.CILow = math.Max(0, s.Rate-z*se)
			s.CIHigh = math.Min(1, s.Rate+z*se)
		}
		if v.IsControl && control == nil {
			control = s
		}
		ev.Variants = append(ev.Variants, s)
	}
	if control == nil && len(ev.Variants) > 0 {
		control = ev.Variants[0]
	}
	if control == nil {
		return ev
	}

	alpha := 1 - test.ConfidenceLevel
	declarable := false
	var best *VariantStats

	for _, s := range ev.Variants {
		if s == control {
			continue
		}
		s.PValue = twoProportionPValue(control.Successes, control.Sent, s.Successes, s.Sent)
		if control.Rate > 0 {
			s.Lift = (s.Rate - control.Rate) / control.Rate
		}

		enough := s.Sent >= int64(test.MinSampleSize) && control.Sent >= int64(test.MinSampleSize)
		if enough && s.PValue < alpha {
			declarable = true
			if best == nil || s.Rate > best.Rate {
				best = s
			}
		}
	}

	if test.BayesianEnabled {
		declarable, best = evaluateBayesian(test, ev)
	}

	if declarable {
		ev.WinnerDeclarable = true
		winner := best
		// The control keeps the crown when it still outperforms.
		if winner == nil || control.Rate > winner.Rate {
			winner = control
		}
		ev.RecommendedVariantID = winner.VariantID
	}
	return ev
}

// evaluateBayesian models each variant's rate as Beta(successes+1,
// failures+1) and declares a winner when one variant's probability of being
// best clears the threshold with an acceptable expected loss.
func evaluateBayesian(test *models.ABTest, ev *Evaluation) (bool, *VariantStats) {
	for _, s := range ev.Variants {
		pBest := 1.0
		loss := 0.0
		for _, o := range ev.Variants {
			if o == s {
				continue
			}
			// Product over pairwise comparisons; exact for two variants,
			// an approximation beyond that.
			pBest *= betaProbGreater(s.Successes+1, s.Sent-s.Successes+1, o.Successes+1, o.Sent-o.Successes+1)
			if l := betaExpectedLoss(s.Successes+1, s.Sent-s.Successes+1, o.Successes+1, o.Sent-o.Successes+1); l > loss {
				loss = l
			}
		}
		s.ProbabilityBest = pBest
		s.ExpectedLoss = loss
	}

	var best *VariantStats
	for _, s := range ev.Variants {
		if s.Sent < int64(test.MinSampleSize) {
			return false, nil
		}
		if best == nil || s.ProbabilityBest > best.ProbabilityBest {
			best = s
		}
	}
	if best == nil {
		return false, nil
	}
	if best.ProbabilityBest >= test.ProbabilityThreshold && best.ExpectedLoss <= test.ExpectedLossTolerance {
		return true, best
	}
	return false, nil
}

// twoProportionPValue is the two-sided pooled z-test for the difference of
// two proportions.
func twoProportionPValue(s1, n1, s2, n2 int64) float64 {
	if n1 == 0 || n2 == 0 {
		return 1
	}
	p1 := float64(s1) / float64(n1)
	p2 := float64(s2) / float64(n2)
	pooled := float64(s1+s2) / float64(n1+n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 1
	}
	z := math.Abs(p1-p2) / se
	return math.Erfc(z / math.Sqrt2)
}

// zForConfidence maps a confidence level to its two-sided normal critical
// value. Unrecognized levels fall back to 95%.
func zForConfidence(level float64) float64 {
	switch {
	case level >= 0.995:
		return 2.807
	case level >= 0.99:
		return 2.576
	case level >= 0.98:
		return 2.326
	case level >= 0.95:
		return 1.960
	case level >= 0.90:
		return 1.645
	case level >= 0.80:
		return 1.282
	default:
		return 1.960
	}
}

// betaProbGreater computes P(X > Y) for X ~ Beta(a1, b1), Y ~ Beta(a2, b2)
// with integer parameters, using the exact summation over the first shape.
func betaProbGreater(a1, b1, a2, b2 int64) float64 {
	total := 0.0
	for i := int64(0); i < a1; i++ {
		total += math.Exp(
			lnBeta(float64(a2+i), float64(b1+b2)) -
				math.Log(float64(b1+i)) -
				lnBeta(float64(1+i), float64(b1)) -
				lnBeta(float64(a2), float64(b2)))
	}
	return total
}

// betaExpectedLoss is E[max(Y - X, 0)]: the expected rate given up by
// choosing X when Y is in fact better.
func betaExpectedLoss(a1, b1, a2, b2 int64) float64 {
	mu1 := float64(a1) / float64(a1+b1)
	mu2 := float64(a2) / float64(a2+b2)
	loss := mu2*betaProbGreater(a2+1, b2, a1, b1) - mu1*betaProbGreater(a2, b2, a1+1, b1)
	return math.Max(0, loss)
}

func lnBeta(x, y float64) float64 {
	lx, _ := math.Lgamma(x)
	ly, _ := math.Lgamma(y)
	lxy, _ := math.Lgamma(x + y)
	return lx + ly - lxy
}
