package storage

import (
	"slices"
	"sync"
)

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	mu            sync.Mutex
	saveError     error
	loadError     error
	positions     []int64
	saveCallCount int
	loadCallCount int
	toggleCalls   []int64
}

// NewMockStorage creates a new mock storage seeded with ids
func NewMockStorage(ids ...int64) *MockStorage {
	return &MockStorage{positions: slices.Clone(ids)}
}

func (m *MockStorage) Contains(tickerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.positions, tickerID)
}

func (m *MockStorage) Last() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.positions) == 0 {
		return 0, false
	}
	return m.positions[len(m.positions)-1], true
}

func (m *MockStorage) List() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.positions)
}

func (m *MockStorage) Add(tickerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveLocked(); err != nil {
		return err
	}
	if !slices.Contains(m.positions, tickerID) {
		m.positions = append(m.positions, tickerID)
	}
	return nil
}

func (m *MockStorage) Remove(tickerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveLocked(); err != nil {
		return err
	}
	if idx := slices.Index(m.positions, tickerID); idx >= 0 {
		m.positions = slices.Delete(m.positions, idx, idx+1)
	}
	return nil
}

func (m *MockStorage) Toggle(tickerID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toggleCalls = append(m.toggleCalls, tickerID)
	if err := m.saveLocked(); err != nil {
		return false, err
	}
	if idx := slices.Index(m.positions, tickerID); idx >= 0 {
		m.positions = slices.Delete(m.positions, idx, idx+1)
		return false, nil
	}
	m.positions = append(m.positions, tickerID)
	return true, nil
}

// Data persistence methods (mocked)
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

func (m *MockStorage) saveLocked() error {
	m.saveCallCount++
	return m.saveError
}

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}

// ToggleCalls returns every id passed to Toggle, in call order
func (m *MockStorage) ToggleCalls() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.toggleCalls)
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
