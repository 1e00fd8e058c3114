// internal/rating/glicko2.go
package rating

import "math"

const (
	// GlickoScale converts between the 1500-based scale and Glicko-2's internal mu.
	GlickoScale = 173.7178
	// DefaultRating is the starting rating on the 1500-based scale.
	DefaultRating = 1500.0
	// DefaultDeviation is the starting rating deviation (RD).
	DefaultDeviation = 350.0
	// DefaultVolatility is the starting volatility.
	DefaultVolatility = 0.06
	// Tau constrains how fast volatility moves.
	Tau = 0.5
	// Epsilon is the convergence tolerance of the volatility iteration.
	Epsilon = 0.000001
)

// Glicko2Rating is a rating in Glicko-2 space.
type Glicko2Rating struct {
	Mu    float64
	Phi   float64
	Sigma float64
}

// NewGlicko2Rating converts a 1500-based rating, RD, and volatility.
func NewGlicko2Rating(rating, rd, sigma float64) Glicko2Rating {
	return Glicko2Rating{
		Mu:    (rating - DefaultRating) / GlickoScale,
		Phi:   rd / GlickoScale,
		Sigma: sigma,
	}
}

// Rating returns the 1500-based rating.
func (r Glicko2Rating) Rating() float64 { return r.Mu*GlickoScale + DefaultRating }

// Deviation returns the RD on the 1500-based scale.
func (r Glicko2Rating) Deviation() float64 { return r.Phi * GlickoScale }

// update runs one rating period containing a single game against opp.
// score is 1 for a win, 0.5 for a draw, 0 for a loss.
func update(r, opp Glicko2Rating, score float64) Glicko2Rating {
	gOpp := g(opp.Phi)
	e := expected(r.Mu, opp.Mu, opp.Phi)

	v := 1.0 / (gOpp * gOpp * e * (1 - e))
	delta := v * gOpp * (score - e)
	sigma := volatility(r, v, delta)

	phiStar := math.Sqrt(r.Phi*r.Phi + sigma*sigma)
	phi := 1.0 / math.Sqrt(1.0/(phiStar*phiStar)+1.0/v)
	mu := r.Mu + phi*phi*gOpp*(score-e)
	return Glicko2Rating{Mu: mu, Phi: phi, Sigma: sigma}
}

// volatility solves for the new sigma with the Illinois method.
func volatility(r Glicko2Rating, v, delta float64) float64 {
	a := math.Log(r.Sigma * r.Sigma)
	fx := func(x float64) float64 { return f(x, r.Phi, v, delta, a) }

	A := a
	var B float64
	if delta*delta > r.Phi*r.Phi+v {
		B = math.Log(delta*delta - r.Phi*r.Phi - v)
	} else {
		k := 1.0
		for fx(a-k*Tau) < 0 {
			k++
		}
		B = a - k*Tau
	}

	fA, fB := fx(A), fx(B)
	for i := 0; i < 100 && math.Abs(B-A) > Epsilon; i++ {
		C := A + (A-B)*fA/(fB-fA)
		fC := fx(C)
		if fC*fB <= 0 {
			A, fA = B, fB
		} else {
			fA /= 2
		}
		B, fB = C, fC
	}
	return math.Exp(A / 2)
}

// g dampens the impact of an opponent with a high deviation.
func g(phi float64) float64 {
	return 1.0 / math.Sqrt(1.0+3.0*phi*phi/(math.Pi*math.Pi))
}

// expected is the expected score of mu against (mu2, phi2).
func expected(mu, mu2, phi2 float64) float64 {
	return 1.0 / (1.0 + math.Exp(-g(phi2)*(mu-mu2)))
}

func f(x, phi, v, delta, a float64) float64 {
	ex := math.Exp(x)
	num := ex * (delta*delta - phi*phi - v - ex)
	den := 2.0 * (phi*phi + v + ex) * (phi*phi + v + ex)
	return num/den - (x-a)/(Tau*Tau)
}
