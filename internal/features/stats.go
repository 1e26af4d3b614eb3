package features

import (
	"gonum.org/v1/gonum/stat"
)

// Stats holds per-column z-score parameters fitted on the training set.
type Stats struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Fit computes column statistics over every vector of every sequence.
func Fit(seqs [][][]float64) *Stats {
	if len(seqs) == 0 || len(seqs[0]) == 0 {
		return nil
	}
	width := len(seqs[0][0])
	s := &Stats{Mean: make([]float64, width), Std: make([]float64, width)}
	col := make([]float64, 0, len(seqs)*len(seqs[0]))
	for j := 0; j < width; j++ {
		col = col[:0]
		for _, seq := range seqs {
			for _, v := range seq {
				col = append(col, v[j])
			}
		}
		mean, std := stat.MeanStdDev(col, nil)
		if std < 1e-9 || std != std {
			std = 1
		}
		s.Mean[j], s.Std[j] = mean, std
	}
	return s
}

func (s *Stats) Width() int {
	if s == nil {
		return 0
	}
	return len(s.Mean)
}

// Apply returns a normalized copy of seq.
func (s *Stats) Apply(seq [][]float64) [][]float64 {
	out := make([][]float64, len(seq))
	for i, v := range seq {
		row := make([]float64, len(v))
		for j, x := range v {
			if s != nil && j < len(s.Mean) {
				x = (x - s.Mean[j]) / s.Std[j]
			}
			row[j] = x
		}
		out[i] = row
	}
	return out
}
