// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"io"

	"grimm.is/slipwire/internal/api"
	"grimm.is/slipwire/internal/nfq"
)

// MockBackend implements Backend for tests.
type MockBackend struct {
	StatusResp   *api.StatusResponse
	Conns        []nfq.ConnInfo
	RulesResp    *RulesInfo
	Stream       EventStream
	Err          error
	ReloadCalled bool
}

func (m *MockBackend) Status() (*api.StatusResponse, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.StatusResp == nil {
		return &api.StatusResponse{Name: "slipwire", Version: "dev", Uptime: "1h"}, nil
	}
	return m.StatusResp, nil
}

func (m *MockBackend) Connections() ([]nfq.ConnInfo, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Conns, nil
}

func (m *MockBackend) Rules() (*RulesInfo, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.RulesResp == nil {
		return &RulesInfo{}, nil
	}
	return m.RulesResp, nil
}

func (m *MockBackend) Reload() error {
	m.ReloadCalled = true
	return m.Err
}

func (m *MockBackend) Events() (EventStream, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Stream == nil {
		return &mockStream{ch: make(chan nfq.Event)}, nil
	}
	return m.Stream, nil
}

// mockStream feeds scripted events; a closed channel ends the stream.
type mockStream struct {
	ch     chan nfq.Event
	closed bool
}

func (s *mockStream) Next() (nfq.Event, error) {
	ev, ok := <-s.ch
	if !ok {
		return nfq.Event{}, io.EOF
	}
	return ev, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}
