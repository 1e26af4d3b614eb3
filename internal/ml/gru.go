package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	adamBeta1      = 0.9
	adamBeta2      = 0.999
	adamEps        = 1e-8
	divergedLoss   = 1e6
	defaultBatch   = 32
	defaultClip    = 5.0
	minImprovement = 1e-9
)

// GRUConfig holds the hyperparameters of the recurrent strategy.
type GRUConfig struct {
	Hidden       int
	LearningRate float64
	Epochs       int
	Patience     int
	Attention    bool
	Seed         uint64
	MinSamples   int
	BatchSize    int
	Clip         float64
}

func (c GRUConfig) withDefaults() GRUConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatch
	}
	if c.Clip <= 0 {
		c.Clip = defaultClip
	}
	if c.Patience <= 0 {
		c.Patience = c.Epochs
	}
	return c
}

type gruShape struct {
	F, H, G   int
	Attention bool
}

// gruParams keeps every weight in one slice so the optimizer, clipping and
// snapshots can treat the network as a flat vector.
type gruParams struct {
	shape gruShape
	data  []float64

	wz, wr, wn []float64 // H x F
	uz, ur, un []float64 // H x H
	bz, br, bn []float64 // H
	v          []float64 // H, attention query
	wo         []float64 // G x H
	bo         []float64 // G
}

func paramCount(s gruShape) int {
	return 3*s.H*s.F + 3*s.H*s.H + 4*s.H + s.G*s.H + s.G
}

func newParams(s gruShape) *gruParams {
	return bindParams(s, make([]float64, paramCount(s)))
}

func bindParams(s gruShape, data []float64) *gruParams {
	p := &gruParams{shape: s, data: data}
	off := 0
	take := func(n int) []float64 {
		out := data[off : off+n : off+n]
		off += n
		return out
	}
	p.wz, p.wr, p.wn = take(s.H*s.F), take(s.H*s.F), take(s.H*s.F)
	p.uz, p.ur, p.un = take(s.H*s.H), take(s.H*s.H), take(s.H*s.H)
	p.bz, p.br, p.bn = take(s.H), take(s.H), take(s.H)
	p.v = take(s.H)
	p.wo = take(s.G * s.H)
	p.bo = take(s.G)
	return p
}

func (p *gruParams) clone() *gruParams {
	q := newParams(p.shape)
	copy(q.data, p.data)
	return q
}

func (p *gruParams) zero() {
	for i := range p.data {
		p.data[i] = 0
	}
}

func xavier(rng *rand.Rand, w []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}

func (p *gruParams) init(rng *rand.Rand) {
	s := p.shape
	for _, w := range [][]float64{p.wz, p.wr, p.wn} {
		xavier(rng, w, s.F, s.H)
	}
	for _, u := range [][]float64{p.uz, p.ur, p.un} {
		xavier(rng, u, s.H, s.H)
	}
	xavier(rng, p.v, s.H, 1)
	xavier(rng, p.wo, s.H, s.G)
}

// matVecAdd computes out += W·x for a row-major rows x len(x) matrix.
func matVecAdd(out, w, x []float64) {
	cols := len(x)
	for i := range out {
		row := w[i*cols : (i+1)*cols]
		var s float64
		for j, xv := range x {
			s += row[j] * xv
		}
		out[i] += s
	}
}

// matTVecAdd computes out += Wᵀ·d for a row-major len(d) x len(out) matrix.
func matTVecAdd(out, w, d []float64) {
	cols := len(out)
	for i, dv := range d {
		if dv == 0 {
			continue
		}
		row := w[i*cols : (i+1)*cols]
		for j := range out {
			out[j] += row[j] * dv
		}
	}
}

// outerAdd computes W += d ⊗ x.
func outerAdd(w, d, x []float64) {
	cols := len(x)
	for i, dv := range d {
		if dv == 0 {
			continue
		}
		row := w[i*cols : (i+1)*cols]
		for j, xv := range x {
			row[j] += dv * xv
		}
	}
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

type gruStep struct {
	x, hPrev, z, r, n, h []float64
}

type gruCache struct {
	steps []gruStep
	alpha []float64
	c     []float64
}

func (p *gruParams) forward(seq [][]float64) ([]float64, *gruCache) {
	H := p.shape.H
	cache := &gruCache{steps: make([]gruStep, len(seq))}
	h := make([]float64, H)
	for t, x := range seq {
		st := gruStep{x: x, hPrev: h}
		st.z = append([]float64(nil), p.bz...)
		matVecAdd(st.z, p.wz, x)
		matVecAdd(st.z, p.uz, h)
		st.r = append([]float64(nil), p.br...)
		matVecAdd(st.r, p.wr, x)
		matVecAdd(st.r, p.ur, h)
		for i := 0; i < H; i++ {
			st.z[i] = sigmoid(st.z[i])
			st.r[i] = sigmoid(st.r[i])
		}
		rh := make([]float64, H)
		for i := range rh {
			rh[i] = st.r[i] * h[i]
		}
		st.n = append([]float64(nil), p.bn...)
		matVecAdd(st.n, p.wn, x)
		matVecAdd(st.n, p.un, rh)
		next := make([]float64, H)
		for i := 0; i < H; i++ {
			st.n[i] = math.Tanh(st.n[i])
			next[i] = (1-st.z[i])*st.n[i] + st.z[i]*h[i]
		}
		st.h = next
		cache.steps[t] = st
		h = next
	}

	if p.shape.Attention {
		scores := make([]float64, len(seq))
		maxScore := math.Inf(-1)
		for t, st := range cache.steps {
			for i := 0; i < H; i++ {
				scores[t] += p.v[i] * st.h[i]
			}
			maxScore = math.Max(maxScore, scores[t])
		}
		var sum float64
		for t := range scores {
			scores[t] = math.Exp(scores[t] - maxScore)
			sum += scores[t]
		}
		cache.c = make([]float64, H)
		for t, st := range cache.steps {
			scores[t] /= sum
			for i := 0; i < H; i++ {
				cache.c[i] += scores[t] * st.h[i]
			}
		}
		cache.alpha = scores
	} else {
		cache.c = h
	}

	y := append([]float64(nil), p.bo...)
	matVecAdd(y, p.wo, cache.c)
	return y, cache
}

// backward accumulates the gradient of the loss into g given dL/dy.
func (p *gruParams) backward(cache *gruCache, dy []float64, g *gruParams) {
	H := p.shape.H
	T := len(cache.steps)

	outerAdd(g.wo, dy, cache.c)
	for i, d := range dy {
		g.bo[i] += d
	}
	dc := make([]float64, H)
	matTVecAdd(dc, p.wo, dy)

	dhExt := make([][]float64, T)
	for t := range dhExt {
		dhExt[t] = make([]float64, H)
	}
	if p.shape.Attention {
		var cdc float64
		for i := 0; i < H; i++ {
			cdc += cache.c[i] * dc[i]
		}
		for t, st := range cache.steps {
			var hdc float64
			for i := 0; i < H; i++ {
				hdc += st.h[i] * dc[i]
			}
			a := cache.alpha[t]
			ds := a * (hdc - cdc)
			for i := 0; i < H; i++ {
				g.v[i] += ds * st.h[i]
				dhExt[t][i] += a*dc[i] + ds*p.v[i]
			}
		}
	} else {
		copy(dhExt[T-1], dc)
	}

	carry := make([]float64, H)
	dz := make([]float64, H)
	dr := make([]float64, H)
	dan := make([]float64, H)
	rh := make([]float64, H)
	for t := T - 1; t >= 0; t-- {
		st := cache.steps[t]
		dhPrev := make([]float64, H)
		for i := 0; i < H; i++ {
			dh := dhExt[t][i] + carry[i]
			dn := dh * (1 - st.z[i])
			dz[i] = dh * (st.hPrev[i] - st.n[i])
			dhPrev[i] = dh * st.z[i]
			dan[i] = dn * (1 - st.n[i]*st.n[i])
			rh[i] = st.r[i] * st.hPrev[i]
		}
		outerAdd(g.wn, dan, st.x)
		outerAdd(g.un, dan, rh)
		for i := 0; i < H; i++ {
			g.bn[i] += dan[i]
		}
		drh := make([]float64, H)
		matTVecAdd(drh, p.un, dan)
		for i := 0; i < H; i++ {
			dr[i] = drh[i] * st.hPrev[i]
			dhPrev[i] += drh[i] * st.r[i]
			dz[i] *= st.z[i] * (1 - st.z[i])
			dr[i] *= st.r[i] * (1 - st.r[i])
		}
		outerAdd(g.wz, dz, st.x)
		outerAdd(g.uz, dz, st.hPrev)
		outerAdd(g.wr, dr, st.x)
		outerAdd(g.ur, dr, st.hPrev)
		for i := 0; i < H; i++ {
			g.bz[i] += dz[i]
			g.br[i] += dr[i]
		}
		matTVecAdd(dhPrev, p.uz, dz)
		matTVecAdd(dhPrev, p.ur, dr)
		carry = dhPrev
	}
}

func sampleLoss(y, target []float64) (loss float64, dy []float64) {
	dy = make([]float64, len(y))
	n := float64(len(y))
	for i := range y {
		d := y[i] - target[i]
		loss += d * d / n
		dy[i] = 2 * d / n
	}
	return loss, dy
}

func (p *gruParams) meanLoss(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total float64
	for _, s := range samples {
		y, _ := p.forward(s.Seq)
		l, _ := sampleLoss(y, s.Target)
		total += l
	}
	return total / float64(len(samples))
}

type adam struct {
	m, v []float64
	t    int
}

func newAdam(n int) *adam { return &adam{m: make([]float64, n), v: make([]float64, n)} }

func (a *adam) step(params, grads []float64, lr float64) {
	a.t++
	c1 := 1 - math.Pow(adamBeta1, float64(a.t))
	c2 := 1 - math.Pow(adamBeta2, float64(a.t))
	for i, g := range grads {
		a.m[i] = adamBeta1*a.m[i] + (1-adamBeta1)*g
		a.v[i] = adamBeta2*a.v[i] + (1-adamBeta2)*g*g
		params[i] -= lr * (a.m[i] / c1) / (math.Sqrt(a.v[i]/c2) + adamEps)
	}
}

func clipNorm(g []float64, maxNorm float64) {
	var sq float64
	for _, v := range g {
		sq += v * v
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm || norm == 0 {
		return
	}
	scale := maxNorm / norm
	for i := range g {
		g[i] *= scale
	}
}

type fitResult struct {
	params   *gruParams
	epochs   int
	diverged bool
	valLoss  float64
}

// fit trains a freshly initialized network. It is a pure function of its
// inputs and the seed.
func fit(ctx context.Context, cfg GRUConfig, shape gruShape, train, holdout []Sample) (fitResult, error) {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	p := newParams(shape)
	p.init(rng)
	grad := newParams(shape)
	opt := newAdam(len(p.data))

	val := holdout
	if len(val) == 0 {
		val = train
	}
	best := p.clone()
	bestLoss := p.meanLoss(val)
	res := fitResult{params: best, valLoss: bestLoss}
	stale := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		snapshot := p.clone()
		perm := rng.Perm(len(train))
		var epochLoss float64
		for start := 0; start < len(perm); start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, len(perm))
			grad.zero()
			for _, idx := range perm[start:end] {
				s := train[idx]
				y, cache := p.forward(s.Seq)
				l, dy := sampleLoss(y, s.Target)
				epochLoss += l
				p.backward(cache, dy, grad)
			}
			scale := 1 / float64(end-start)
			for i := range grad.data {
				grad.data[i] *= scale
			}
			clipNorm(grad.data, cfg.Clip)
			opt.step(p.data, grad.data, cfg.LearningRate)
		}
		epochLoss /= float64(len(train))

		if math.IsNaN(epochLoss) || math.IsInf(epochLoss, 0) || epochLoss > divergedLoss || !finite(p.data) {
			copy(p.data, snapshot.data)
			res.diverged = true
			break
		}
		res.epochs = epoch + 1

		vl := p.meanLoss(val)
		if vl < bestLoss-minImprovement {
			bestLoss = vl
			best = p.clone()
			stale = 0
		} else {
			stale++
			if stale >= cfg.Patience {
				break
			}
		}
	}
	res.params = best
	res.valLoss = bestLoss
	return res, nil
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// GRU is the recurrent strategy: a single gated recurrent layer, optional
// attention pooling over its hidden states and a linear head per group.
type GRU struct {
	cfg GRUConfig

	mu       sync.RWMutex
	params   *gruParams
	accuracy float64
	rmse     float64
}

func NewGRU(cfg GRUConfig) *GRU {
	return &GRU{cfg: cfg}
}

func (m *GRU) Name() string { return ModelGRU }

func (m *GRU) Config() GRUConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetHyperparams changes the size and step used by the next Train. The
// current weights keep serving until then.
func (m *GRU) SetHyperparams(hidden int, learningRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Hidden, m.cfg.LearningRate = hidden, learningRate
}

func (m *GRU) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params != nil
}

func (m *GRU) Accuracy() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accuracy
}

func (m *GRU) RMSE() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rmse
}

func (m *GRU) Predict(seq [][]float64) ([]float64, error) {
	m.mu.RLock()
	p := m.params
	m.mu.RUnlock()
	if p == nil {
		return nil, ErrNotReady
	}
	if len(seq) == 0 {
		return nil, errors.New("gru: empty sequence")
	}
	for _, v := range seq {
		if len(v) != p.shape.F {
			return nil, fmt.Errorf("gru: %w: got %d want %d", ErrFeatureWidthMismatch, len(v), p.shape.F)
		}
	}
	y, _ := p.forward(seq)
	return clampOutputs(y), nil
}

// Train fits a fresh network and swaps it in only when training completed
// at least one good epoch.
func (m *GRU) Train(ctx context.Context, samples []Sample) TrainResult {
	start := time.Now()
	res := TrainResult{Model: ModelGRU, Samples: len(samples)}
	cfg := m.Config()
	width, groups, err := validate(samples, cfg.MinSamples)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	shape := gruShape{F: width, H: cfg.Hidden, G: groups, Attention: cfg.Attention}
	train, holdout := splitHoldout(samples, holdoutFraction)

	fr, err := fit(ctx, cfg, shape, train, holdout)
	res.Epochs = fr.epochs
	res.Duration = time.Since(start)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	if fr.diverged && fr.epochs == 0 {
		res.Reason = ErrDiverged.Error()
		return res
	}
	if fr.diverged {
		res.Reason = fmt.Sprintf("%v after %d epochs, kept best weights", ErrDiverged, fr.epochs)
	}

	eval := holdout
	if len(eval) == 0 {
		eval = train
	}
	res.Accuracy, res.RMSE = score(func(seq [][]float64) []float64 {
		y, _ := fr.params.forward(seq)
		return clampOutputs(y)
	}, eval)

	m.mu.Lock()
	m.params = fr.params
	m.accuracy, m.rmse = res.Accuracy, res.RMSE
	m.mu.Unlock()

	res.Success = true
	return res
}

type gruState struct {
	Features  int       `json:"features"`
	Hidden    int       `json:"hidden"`
	Groups    int       `json:"groups"`
	Attention bool      `json:"attention"`
	Params    []float64 `json:"params"`
	Accuracy  float64   `json:"accuracy"`
	RMSE      float64   `json:"rmse"`
}

func (m *GRU) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.params == nil {
		return []byte("null"), nil
	}
	s := m.params.shape
	return json.Marshal(gruState{
		Features:  s.F,
		Hidden:    s.H,
		Groups:    s.G,
		Attention: s.Attention,
		Params:    m.params.data,
		Accuracy:  m.accuracy,
		RMSE:      m.rmse,
	})
}

func (m *GRU) UnmarshalJSON(data []byte) error {
	var st *gruState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st == nil {
		m.params = nil
		return nil
	}
	shape := gruShape{F: st.Features, H: st.Hidden, G: st.Groups, Attention: st.Attention}
	if len(st.Params) != paramCount(shape) {
		return fmt.Errorf("gru: %d params for shape %+v", len(st.Params), shape)
	}
	m.params = bindParams(shape, st.Params)
	m.accuracy, m.rmse = st.Accuracy, st.RMSE
	m.cfg.Hidden, m.cfg.Attention = st.Hidden, st.Attention
	return nil
}
