package leaseguard

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// MarkerFileName is the local liveness marker inside the deployment directory.
const MarkerFileName = ".leaseguard.marker"

// ErrMarkerCorrupt is returned when the marker file cannot be decoded.
var ErrMarkerCorrupt = errors.New("liveness marker is corrupt")

// MarkerRecord is the content of the local liveness marker.
type MarkerRecord struct {
	HolderID  string    `json:"holderId"`
	CreatedAt time.Time `json:"createdAt"`
	PID       int       `json:"pid"`
}

// MarkerStatus is the outcome of validating the marker against this process.
type MarkerStatus int

const (
	MarkerValid MarkerStatus = iota
	MarkerMissing
	MarkerForeign
	MarkerCorrupt
)

func (s MarkerStatus) String() string {
	switch s {
	case MarkerValid:
		return "valid"
	case MarkerMissing:
		return "missing"
	case MarkerForeign:
		return "foreign"
	case MarkerCorrupt:
		return "corrupt"
	}
	return "unknown"
}

// Marker is the process-local record of execution ownership. It lets an
// instance re-check its own ownership without a store round-trip.
type Marker struct {
	fs       afero.Fs
	path     string
	holderID string
	clock    clockwork.Clock
}

func newMarker(fs afero.Fs, dir, holderID string, clock clockwork.Clock) *Marker {
	return &Marker{
		fs:       fs,
		path:     filepath.Join(dir, MarkerFileName),
		holderID: holderID,
		clock:    clock,
	}
}

// Path returns the marker file location.
func (m *Marker) Path() string {
	return m.path
}

// Create writes a marker for this process, replacing any existing one.
func (m *Marker) Create() error {
	var record = MarkerRecord{
		HolderID:  m.holderID,
		CreatedAt: m.clock.Now(),
		PID:       os.Getpid(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode marker: %w", err)
	}

	if err := m.fs.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}

	var tmp = m.path + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}

	if err := m.fs.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to move marker into place: %w", err)
	}

	return nil
}

// Read returns the marker record, or nil if there is no marker.
func (m *Marker) Read() (*MarkerRecord, error) {
	data, err := afero.ReadFile(m.fs, m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read marker: %w", err)
	}

	var record MarkerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMarkerCorrupt, err)
	}
	if record.HolderID == "" {
		return nil, fmt.Errorf("%w: missing holder id", ErrMarkerCorrupt)
	}

	return &record, nil
}

// Validate compares the marker with this process.
func (m *Marker) Validate() MarkerStatus {
	var record, err = m.Read()
	switch {
	case err != nil:
		return MarkerCorrupt
	case record == nil:
		return MarkerMissing
	case record.HolderID != m.holderID:
		return MarkerForeign
	}
	return MarkerValid
}

// Ensure recreates the marker unless it is valid. It returns the status found
// before any repair.
func (m *Marker) Ensure() (MarkerStatus, error) {
	var status = m.Validate()
	if status == MarkerValid {
		return status, nil
	}
	return status, m.Create()
}

// Remove deletes the marker. A missing marker is not an error.
func (m *Marker) Remove() error {
	if err := m.fs.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove marker: %w", err)
	}
	return nil
}
