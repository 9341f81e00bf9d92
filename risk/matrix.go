// risk/matrix.go
package risk

import (
	"math"
	"sort"

	"quant_engine_go/utils"
)

// CorrelationMatrix holds pairwise Pearson correlations of instrument returns.
// A matrix is built in one shot and never mutated afterwards, so it can be
// shared across goroutines without locking.
type CorrelationMatrix struct {
	symbols []string
	index   map[string]int
	values  [][]float64
}

// NewCorrelationMatrix computes the symmetric correlation matrix from per
// instrument price series. Series are truncated to the shortest common length
// before computing returns. Returns nil when fewer than two usable series
// exist. Degenerate pairs (constant series) correlate at 0; the diagonal is
// always exactly 1.
func NewCorrelationMatrix(priceSeries map[string][]float64) *CorrelationMatrix {
	minLen := math.MaxInt
	symbols := make([]string, 0, len(priceSeries))
	for symbol, prices := range priceSeries {
		if len(prices) < 3 {
			continue
		}
		symbols = append(symbols, symbol)
		if len(prices) < minLen {
			minLen = len(prices)
		}
	}
	if len(symbols) < 2 {
		return nil
	}
	sort.Strings(symbols)

	returns := make(map[string][]float64, len(symbols))
	for _, symbol := range symbols {
		prices := priceSeries[symbol]
		returns[symbol] = utils.Returns(prices[len(prices)-minLen:])
	}

	m := &CorrelationMatrix{
		symbols: symbols,
		index:   make(map[string]int, len(symbols)),
		values:  make([][]float64, len(symbols)),
	}
	for i, symbol := range symbols {
		m.index[symbol] = i
		m.values[i] = make([]float64, len(symbols))
	}
	for i := range symbols {
		m.values[i][i] = 1.0
		for j := i + 1; j < len(symbols); j++ {
			corr := utils.Correlation(returns[symbols[i]], returns[symbols[j]])
			m.values[i][j] = corr
			m.values[j][i] = corr
		}
	}
	return m
}

// Symbols returns the instruments covered by the matrix, sorted.
func (m *CorrelationMatrix) Symbols() []string {
	out := make([]string, len(m.symbols))
	copy(out, m.symbols)
	return out
}

// At returns the correlation between two instruments. The second result is
// false when either instrument is not in the matrix.
func (m *CorrelationMatrix) At(a, b string) (float64, bool) {
	i, ok := m.index[a]
	if !ok {
		return 0, false
	}
	j, ok := m.index[b]
	if !ok {
		return 0, false
	}
	return m.values[i][j], true
}

// RowMean returns the mean correlation of an instrument against all others,
// excluding itself. For a matrix of one instrument it reports 0.
func (m *CorrelationMatrix) RowMean(symbol string) (float64, bool) {
	i, ok := m.index[symbol]
	if !ok {
		return 0, false
	}
	if len(m.symbols) < 2 {
		return 0, true
	}
	var sum float64
	for j := range m.symbols {
		if j == i {
			continue
		}
		sum += m.values[i][j]
	}
	return sum / float64(len(m.symbols)-1), true
}
