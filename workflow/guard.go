package workflow

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Guard makes duplicate triggers harmless: a node already executing is not
// started again, and a second run is refused while one is active. One Guard
// belongs to one Engine.
type Guard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
	running  bool
	logger   *zap.Logger
}

// NewGuard creates an idle guard.
func NewGuard(logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		inFlight: make(map[string]struct{}),
		logger:   logger.With(zap.String("component", "guard")),
	}
}

// TryStartRun marks a run as active. It returns false if one already is.
func (g *Guard) TryStartRun() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		g.logger.Debug("run already in progress, refusing")
		return false
	}
	g.running = true
	return true
}

// FinishRun clears the active-run flag.
func (g *Guard) FinishRun() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}

// Running reports whether a run is active.
func (g *Guard) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// AcquireNode marks id as executing. It returns false if it already is.
func (g *Guard) AcquireNode(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inFlight[id]; busy {
		g.logger.Debug("node already executing, skipping", zap.String("node_id", id))
		return false
	}
	g.inFlight[id] = struct{}{}
	return true
}

// ReleaseNode clears id's executing mark.
func (g *Guard) ReleaseNode(id string) {
	g.mu.Lock()
	delete(g.inFlight, id)
	g.mu.Unlock()
}

// InFlight returns the ids currently executing, sorted.
func (g *Guard) InFlight() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.inFlight))
	for id := range g.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
