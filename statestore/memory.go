// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"sync"

	"github.com/fosschime/chime-api/lib/ref"
)

// Memory is an in-process Store. Markers do not survive the process;
// use it in tests or when the host persists resume state itself.
type Memory struct {
	mu      sync.Mutex
	markers map[ref.RoomID]Marker
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{markers: make(map[ref.RoomID]Marker)}
}

func (m *Memory) ReadLastSeen(_ context.Context, roomID ref.RoomID) (Marker, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marker, ok := m.markers[roomID]
	return marker, ok, nil
}

func (m *Memory) WriteLastSeen(_ context.Context, roomID ref.RoomID, marker Marker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[roomID] = marker
	return nil
}

func (m *Memory) Close() error {
	return nil
}
