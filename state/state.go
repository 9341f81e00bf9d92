// state/state.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"quant_engine_go/profit"
)

// Manager defines the persistence capabilities the engine relies on. The
// interface decouples the engine from the file-backed implementation,
// simplifying tests.
type Manager interface {
	// FullState returns a deep copy of the persisted state for startup
	// reconciliation.
	FullState() AppState
	// SavePositions replaces the persisted open-position set.
	SavePositions(positions map[string]Position) error
	// SaveModelTimestamps replaces the persisted model-training timestamps.
	SaveModelTimestamps(timestamps map[string]time.Time) error
	// SaveMetrics replaces the persisted performance snapshot.
	SaveMetrics(metrics profit.Metrics) error
	// SaveEmergency records or clears the active emergency reason.
	SaveEmergency(reason string) error
}

// Position is the persisted form of an open position, including its
// protective-order reference so a restart can reconcile resting stops.
type Position struct {
	Symbol      string    `json:"symbol"`
	Amount      float64   `json:"amount"`
	EntryPrice  float64   `json:"entry_price"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfit  float64   `json:"take_profit"`
	StopOrderID string    `json:"stop_order_id,omitempty"`
	OpenedAt    time.Time `json:"opened_at"`
}

// AppState is the top-level structure persisted to state.json.
type AppState struct {
	Positions       map[string]Position  `json:"positions"`
	ModelTimestamps map[string]time.Time `json:"model_timestamps"`
	Metrics         *profit.Metrics      `json:"metrics,omitempty"`
	EmergencyReason string               `json:"emergency_reason,omitempty"`
	SavedAt         time.Time            `json:"saved_at"`
}

// FileManager is the file-backed implementation of Manager. Every mutation is
// written through with an atomic rename so a crash never leaves a torn file.
type FileManager struct {
	mu       sync.RWMutex
	filePath string
	state    *AppState
}

var _ Manager = (*FileManager)(nil)

// NewFileManager loads existing state from filePath, or starts fresh and
// creates the file when none exists.
func NewFileManager(filePath string) (*FileManager, error) {
	fm := &FileManager{
		filePath: filePath,
		state: &AppState{
			Positions:       make(map[string]Position),
			ModelTimestamps: make(map[string]time.Time),
		},
	}

	if err := fm.load(); err != nil {
		if os.IsNotExist(err) {
			if err := fm.save(); err != nil {
				return nil, fmt.Errorf("failed to create initial state file: %w", err)
			}
			return fm, nil
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return fm, nil
}

// save writes the state atomically while holding the lock.
func (fm *FileManager) save() error {
	fm.state.SavedAt = time.Now()
	data, err := json.MarshalIndent(fm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmpPath := fm.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary state file: %w", err)
	}
	return os.Rename(tmpPath, fm.filePath)
}

// load reads the file while holding the lock. An empty file is valid and
// keeps the default fresh state.
func (fm *FileManager) load() error {
	data, err := os.ReadFile(fm.filePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, fm.state); err != nil {
		return err
	}
	if fm.state.Positions == nil {
		fm.state.Positions = make(map[string]Position)
	}
	if fm.state.ModelTimestamps == nil {
		fm.state.ModelTimestamps = make(map[string]time.Time)
	}
	return nil
}

func (fm *FileManager) FullState() AppState {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	copied := AppState{
		Positions:       make(map[string]Position, len(fm.state.Positions)),
		ModelTimestamps: make(map[string]time.Time, len(fm.state.ModelTimestamps)),
		EmergencyReason: fm.state.EmergencyReason,
		SavedAt:         fm.state.SavedAt,
	}
	for k, v := range fm.state.Positions {
		copied.Positions[k] = v
	}
	for k, v := range fm.state.ModelTimestamps {
		copied.ModelTimestamps[k] = v
	}
	if fm.state.Metrics != nil {
		metrics := *fm.state.Metrics
		copied.Metrics = &metrics
	}
	return copied
}

func (fm *FileManager) SavePositions(positions map[string]Position) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.state.Positions = make(map[string]Position, len(positions))
	for k, v := range positions {
		fm.state.Positions[k] = v
	}
	return fm.save()
}

func (fm *FileManager) SaveModelTimestamps(timestamps map[string]time.Time) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.state.ModelTimestamps = make(map[string]time.Time, len(timestamps))
	for k, v := range timestamps {
		fm.state.ModelTimestamps[k] = v
	}
	return fm.save()
}

func (fm *FileManager) SaveMetrics(metrics profit.Metrics) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.state.Metrics = &metrics
	return fm.save()
}

func (fm *FileManager) SaveEmergency(reason string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.state.EmergencyReason = reason
	return fm.save()
}
