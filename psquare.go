package threadpool

// medianEstimator tracks a streaming estimate of the median of
// HillClimber's throughput samples, using the P² algorithm's five marker
// heights so the noise check in adjust never has to retain sample
// history.
//
// Reference: Jain, R. and Chlamtac, I. (1985). "The P² Algorithm for
// Dynamic Calculation of Quantiles and Histograms Without Storing
// Observations". Communications of the ACM, 28(10), pp. 1076-1085.
//
// Specialized to the median (p=0.5): HillClimber only ever compares a
// sample against its own running median, never an arbitrary percentile,
// so the marker-increment and initial-position constants below are
// baked in rather than carried as a general p parameter.
//
// Not thread-safe; HillClimber serializes access under its own mutex.
type medianEstimator struct {
	markers    [5]float64 // marker heights
	pos        [5]int     // marker positions
	desiredPos [5]float64 // desired marker positions
	seed       [5]float64 // buffered observations until the 5th arrives
	count      int
}

// medianMarkerStep is the per-observation increment applied to each
// desired marker position; derived from dn = {0, p/2, p, (1+p)/2, 1} at
// p=0.5.
var medianMarkerStep = [5]float64{0, 0.25, 0.5, 0.75, 1}

func newMedianEstimator() *medianEstimator {
	return &medianEstimator{}
}

// Update folds one observation into the estimate. O(1).
func (m *medianEstimator) Update(x float64) {
	m.count++

	if m.count <= 5 {
		m.seed[m.count-1] = x
		if m.count == 5 {
			m.seedMarkers()
		}
		return
	}

	var k int
	switch {
	case x < m.markers[0]:
		m.markers[0] = x
		k = 0
	case x >= m.markers[4]:
		m.markers[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if m.markers[k] <= x && x < m.markers[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		m.pos[i]++
	}
	for i := 0; i < 5; i++ {
		m.desiredPos[i] += medianMarkerStep[i]
	}

	for i := 1; i < 4; i++ {
		d := m.desiredPos[i] - float64(m.pos[i])
		if (d >= 1 && m.pos[i+1]-m.pos[i] > 1) || (d <= -1 && m.pos[i-1]-m.pos[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := m.parabolic(i, sign)
			if m.markers[i-1] < qPrime && qPrime < m.markers[i+1] {
				m.markers[i] = qPrime
			} else {
				m.markers[i] = m.linear(i, sign)
			}
			m.pos[i] += sign
		}
	}
}

// seedMarkers converts the first five buffered observations into the
// initial marker heights/positions once enough have arrived.
func (m *medianEstimator) seedMarkers() {
	for i := 1; i < 5; i++ {
		key := m.seed[i]
		j := i - 1
		for j >= 0 && m.seed[j] > key {
			m.seed[j+1] = m.seed[j]
			j--
		}
		m.seed[j+1] = key
	}

	for i := 0; i < 5; i++ {
		m.markers[i] = m.seed[i]
		m.pos[i] = i
	}
	m.desiredPos = [5]float64{0, 1, 2, 3, 4}
}

func (m *medianEstimator) parabolic(i, d int) float64 {
	df := float64(d)
	ni := float64(m.pos[i])
	niPrev := float64(m.pos[i-1])
	niNext := float64(m.pos[i+1])

	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (m.markers[i+1] - m.markers[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (m.markers[i] - m.markers[i-1]) / (ni - niPrev)

	return m.markers[i] + term1*(term2+term3)
}

func (m *medianEstimator) linear(i, d int) float64 {
	if d == 1 {
		return m.markers[i] + (m.markers[i+1]-m.markers[i])/float64(m.pos[i+1]-m.pos[i])
	}
	return m.markers[i] - (m.markers[i]-m.markers[i-1])/float64(m.pos[i]-m.pos[i-1])
}

// Median returns the current estimate. O(1).
func (m *medianEstimator) Median() float64 {
	if m.count == 0 {
		return 0
	}
	if m.count < 5 {
		sorted := make([]float64, m.count)
		copy(sorted, m.seed[:m.count])
		for i := 1; i < m.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		return sorted[(m.count-1)/2]
	}
	return m.markers[2]
}
