package capture

import (
	"sync"

	"brivet/internal/service/detect"
)

// SettingsStore holds the capture settings. Updates replace the whole value,
// so a pipeline that took a snapshot with Get never sees a partial change.
type SettingsStore struct {
	mu      sync.RWMutex
	current detect.Settings
}

func NewSettingsStore(initial detect.Settings) *SettingsStore {
	return &SettingsStore{current: initial}
}

func (s *SettingsStore) Get() detect.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies the given fields on top of the current settings. Nil fields
// keep their value. The returned warning is non-empty for slow grid sizes.
func (s *SettingsStore) Update(confidence *float32, gridSize *int) (detect.Settings, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if confidence != nil {
		next.Confidence = *confidence
	}
	if gridSize != nil {
		next.GridSize = *gridSize
	}
	if err := next.Validate(); err != nil {
		return s.current, "", err
	}

	s.current = next
	return next, detect.GridWarning(next.GridSize), nil
}
