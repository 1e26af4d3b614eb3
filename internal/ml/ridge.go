package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

const holdoutFraction = 0.1

// Ridge is regularized least squares on the last vector of each sequence,
// with one output column per panel group.
type Ridge struct {
	lambda     float64
	minSamples int

	mu       sync.RWMutex
	coef     *mat.Dense // (width+1) x groups, row 0 is the intercept
	accuracy float64
	rmse     float64
}

func NewRidge(lambda float64, minSamples int) *Ridge {
	return &Ridge{lambda: lambda, minSamples: minSamples}
}

func (r *Ridge) Name() string { return ModelRidge }

func (r *Ridge) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coef != nil
}

func (r *Ridge) Accuracy() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accuracy
}

func (r *Ridge) RMSE() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rmse
}

func (r *Ridge) Predict(seq [][]float64) ([]float64, error) {
	r.mu.RLock()
	coef := r.coef
	r.mu.RUnlock()
	if coef == nil {
		return nil, ErrNotReady
	}
	if len(seq) == 0 {
		return nil, fmt.Errorf("ridge: empty sequence")
	}
	rows, _ := coef.Dims()
	if len(seq[len(seq)-1]) != rows-1 {
		return nil, fmt.Errorf("ridge: %w: got %d want %d", ErrFeatureWidthMismatch, len(seq[len(seq)-1]), rows-1)
	}
	return clampOutputs(predictWith(coef, seq)), nil
}

func predictWith(coef *mat.Dense, seq [][]float64) []float64 {
	x := seq[len(seq)-1]
	rows, groups := coef.Dims()
	out := make([]float64, groups)
	for g := 0; g < groups; g++ {
		v := coef.At(0, g)
		for j := 1; j < rows; j++ {
			v += coef.At(j, g) * x[j-1]
		}
		out[g] = v
	}
	return out
}

// Train fits on all but the newest tenth, scores on it, then refits on the
// full set. The previous coefficients stay in place on failure.
func (r *Ridge) Train(ctx context.Context, samples []Sample) TrainResult {
	start := time.Now()
	res := TrainResult{Model: ModelRidge, Samples: len(samples)}
	if _, _, err := validate(samples, r.minSamples); err != nil {
		res.Reason = err.Error()
		return res
	}

	train, holdout := splitHoldout(samples, holdoutFraction)
	coef, err := r.fit(train)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	eval := holdout
	if len(eval) == 0 {
		eval = train
	}
	res.Accuracy, res.RMSE = score(func(seq [][]float64) []float64 {
		return clampOutputs(predictWith(coef, seq))
	}, eval)

	if err := ctx.Err(); err != nil {
		res.Reason = err.Error()
		return res
	}
	full, err := r.fit(samples)
	if err != nil {
		res.Reason = err.Error()
		return res
	}

	r.mu.Lock()
	r.coef = full
	r.accuracy, r.rmse = res.Accuracy, res.RMSE
	r.mu.Unlock()

	res.Success = true
	res.Duration = time.Since(start)
	return res
}

func (r *Ridge) fit(samples []Sample) (*mat.Dense, error) {
	n := len(samples)
	width := len(samples[0].Seq[len(samples[0].Seq)-1])
	groups := len(samples[0].Target)
	cols := width + 1

	x := mat.NewDense(n, cols, nil)
	y := mat.NewDense(n, groups, nil)
	for i, s := range samples {
		last := s.Seq[len(s.Seq)-1]
		x.Set(i, 0, 1)
		for j, v := range last {
			x.Set(i, j+1, v)
		}
		for g, t := range s.Target {
			y.Set(i, g, t)
		}
	}

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	sym := mat.NewSymDense(cols, nil)
	for i := 0; i < cols; i++ {
		for j := 0; j <= i; j++ {
			v := xtx.At(i, j)
			if i == j && i > 0 {
				v += r.lambda
			}
			sym.SetSym(i, j, v)
		}
	}
	var xty mat.Dense
	xty.Mul(x.T(), y)

	var trace float64
	for i := 0; i < cols; i++ {
		trace += sym.At(i, i)
	}
	// Singular normal equations get a growing diagonal jitter until the
	// factorization succeeds.
	jitter := 0.0
	for attempt := 0; attempt < 6; attempt++ {
		if attempt > 0 {
			step := trace / float64(cols) * math.Pow(10, float64(attempt-11))
			jitter += step
			for i := 0; i < cols; i++ {
				sym.SetSym(i, i, sym.At(i, i)+step)
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(sym) {
			continue
		}
		var coef mat.Dense
		if err := chol.SolveTo(&coef, &xty); err != nil {
			continue
		}
		return &coef, nil
	}
	return nil, fmt.Errorf("ridge: normal equations singular (jitter %.3g)", jitter)
}

type ridgeState struct {
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	Coef     []float64 `json:"coef"`
	Accuracy float64   `json:"accuracy"`
	RMSE     float64   `json:"rmse"`
}

func (r *Ridge) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.coef == nil {
		return []byte("null"), nil
	}
	rows, cols := r.coef.Dims()
	flat := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		flat = append(flat, mat.Row(nil, i, r.coef)...)
	}
	return json.Marshal(ridgeState{
		Rows:     rows,
		Cols:     cols,
		Coef:     flat,
		Accuracy: r.accuracy,
		RMSE:     r.rmse,
	})
}

func (r *Ridge) UnmarshalJSON(data []byte) error {
	var st *ridgeState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st == nil {
		r.coef = nil
		return nil
	}
	if len(st.Coef) != st.Rows*st.Cols {
		return fmt.Errorf("ridge: %d coefficients for %dx%d", len(st.Coef), st.Rows, st.Cols)
	}
	r.coef = mat.NewDense(st.Rows, st.Cols, st.Coef)
	r.accuracy, r.rmse = st.Accuracy, st.RMSE
	return nil
}
