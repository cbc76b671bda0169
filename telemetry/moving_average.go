package telemetry

import (
	"sync"

	indicators "github.com/lmpizarro/go_ehlers_indicators"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer | constraints.Float
}

type MovingAverage[T Number] interface {
	Update(v T) T
	InitPeriod() int64
	Valid() bool
}

// SimpleMovingAverage is the arithmetic mean of the last n values.
type SimpleMovingAverage[T Number] struct {
	values []T
	sum    float64
	curIdx int
	count  int
}

var _ MovingAverage[int64] = (*SimpleMovingAverage[int64])(nil)

func NewSimpleMovingAverage[T Number](n int) *SimpleMovingAverage[T] {
	if n <= 0 {
		n = 1
	}
	return &SimpleMovingAverage[T]{
		values: make([]T, n),
	}
}

func (m *SimpleMovingAverage[T]) Update(v T) T {
	if m.count >= len(m.values) {
		m.sum -= float64(m.values[m.curIdx])
	} else {
		m.count++
	}
	m.values[m.curIdx] = v
	m.sum += float64(v)
	m.curIdx = (m.curIdx + 1) % len(m.values)
	return m.Value()
}

func (m *SimpleMovingAverage[T]) Value() T {
	if m.count == 0 {
		return 0
	}
	return T(m.sum / float64(m.count))
}

func (m *SimpleMovingAverage[T]) Count() int {
	return m.count
}

func (m *SimpleMovingAverage[T]) Reset() {
	clear(m.values)
	m.sum = 0
	m.curIdx = 0
	m.count = 0
}

func (m *SimpleMovingAverage[T]) InitPeriod() int64 {
	return int64(len(m.values))
}

func (m *SimpleMovingAverage[T]) Valid() bool {
	return m.count >= len(m.values)
}

// MAMA is the MESA adaptive moving average over the last n values; it
// returns the raw value until n values were collected.
type MAMA[T Number] struct {
	FastLimit           float64
	SlowLimit           float64
	values              []float64
	orderedValuesBuffer []float64
	curIdx              int
	measurementsCount   int
	locker              sync.Mutex
}

var _ MovingAverage[float64] = (*MAMA[float64])(nil)

func NewMAMADefault[T Number](n int) *MAMA[T] {
	return NewMAMA[T](n, 0.5, 0.05)
}

func NewMAMA[T Number](
	n int,
	fastLimit float64,
	slowLimit float64,
) *MAMA[T] {
	return &MAMA[T]{
		FastLimit:           fastLimit,
		SlowLimit:           slowLimit,
		values:              make([]float64, n),
		orderedValuesBuffer: make([]float64, n),
	}
}

func (m *MAMA[T]) Update(v T) T {
	m.locker.Lock()
	defer m.locker.Unlock()

	m.values[m.curIdx] = float64(v)
	m.curIdx = (m.curIdx + 1) % len(m.values)

	// raw      3 4 5 6 7 0 1 2
	//                  ^ curIdx
	// ordered  0 1 2 3 4 5 6 7
	copy(m.orderedValuesBuffer, m.values[m.curIdx:])
	copy(m.orderedValuesBuffer[len(m.values)-m.curIdx:], m.values)

	m.measurementsCount++
	if m.measurementsCount < len(m.values) {
		return v
	}

	result := indicators.MAMA(m.orderedValuesBuffer, m.FastLimit, m.SlowLimit)
	return T(result[len(result)-1])
}

func (m *MAMA[T]) InitPeriod() int64 {
	return int64(len(m.values))
}

func (m *MAMA[T]) Valid() bool {
	m.locker.Lock()
	defer m.locker.Unlock()
	return m.measurementsCount >= len(m.values)
}
