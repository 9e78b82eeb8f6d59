package cost

import (
	"strings"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"github.com/TFMV/polyroute/pkg/models"
)

// Monitor records the observed cost of executed plans and answers with a
// learned cost per class.
type Monitor interface {
	RecordExecution(classID string, cost float64)
	HistoricalCost(classID string) (models.LearnedCost, bool)
	// Forget drops the learned costs of a query class and of every physical
	// class derived from it, returning how many classes were dropped.
	Forget(queryClassID string) int
}

type history struct {
	mu      sync.Mutex
	value   float64
	samples int64
}

// InMemoryMonitor keeps a moving average per class in an ordered lock-free
// map. Each new sample is averaged with the previous value.
type InMemoryMonitor struct {
	classes *skipmap.FuncMap[string, *history]
}

var _ Monitor = (*InMemoryMonitor)(nil)

// NewInMemoryMonitor creates an empty monitor.
func NewInMemoryMonitor() *InMemoryMonitor {
	return &InMemoryMonitor{
		classes: skipmap.NewFunc[string, *history](func(a, b string) bool {
			return strings.Compare(a, b) < 0
		}),
	}
}

// RecordExecution implements Monitor. Negative costs are ignored.
func (m *InMemoryMonitor) RecordExecution(classID string, cost float64) {
	if cost < 0 {
		return
	}
	h, _ := m.classes.LoadOrStore(classID, &history{})
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.samples == 0 {
		h.value = cost
	} else {
		h.value = (h.value + cost) / 2
	}
	h.samples++
}

// HistoricalCost implements Monitor.
func (m *InMemoryMonitor) HistoricalCost(classID string) (models.LearnedCost, bool) {
	h, ok := m.classes.Load(classID)
	if !ok {
		return models.LearnedCost{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.samples == 0 {
		return models.LearnedCost{}, false
	}
	return models.LearnedCost{Value: h.value, Samples: h.samples}, true
}

// Forget implements Monitor. Physical class ids are the query class id
// followed by '#'.
func (m *InMemoryMonitor) Forget(queryClassID string) int {
	var doomed []string
	prefix := queryClassID + "#"
	m.classes.Range(func(classID string, _ *history) bool {
		if classID == queryClassID || strings.HasPrefix(classID, prefix) {
			doomed = append(doomed, classID)
		}
		return true
	})
	for _, classID := range doomed {
		m.classes.Delete(classID)
	}
	return len(doomed)
}

// Snapshot returns the learned cost of every class.
func (m *InMemoryMonitor) Snapshot() map[string]models.LearnedCost {
	out := make(map[string]models.LearnedCost, m.classes.Len())
	m.classes.Range(func(classID string, h *history) bool {
		h.mu.Lock()
		if h.samples > 0 {
			out[classID] = models.LearnedCost{Value: h.value, Samples: h.samples}
		}
		h.mu.Unlock()
		return true
	})
	return out
}

// Len returns the number of monitored classes.
func (m *InMemoryMonitor) Len() int {
	return m.classes.Len()
}
