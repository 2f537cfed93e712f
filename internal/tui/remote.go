// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/slipwire/internal/api"
	"grimm.is/slipwire/internal/nfq"
)

// RemoteBackend implements Backend over the daemon's loopback API.
// The API carries no auth, so requests are plain GETs and POSTs.
type RemoteBackend struct {
	BaseURL string
	Client  *http.Client
}

// NewRemoteBackend points the HUD at an API base URL such as
// http://127.0.0.1:9083.
func NewRemoteBackend(baseURL string) *RemoteBackend {
	return &RemoteBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (b *RemoteBackend) get(path string, out any) error {
	resp, err := b.Client.Get(b.BaseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api error: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (b *RemoteBackend) Status() (*api.StatusResponse, error) {
	var st api.StatusResponse
	if err := b.get("/api/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (b *RemoteBackend) Connections() ([]nfq.ConnInfo, error) {
	var data struct {
		Connections []nfq.ConnInfo `json:"connections"`
	}
	if err := b.get("/api/v1/connections", &data); err != nil {
		return nil, err
	}
	return data.Connections, nil
}

func (b *RemoteBackend) Rules() (*RulesInfo, error) {
	var info RulesInfo
	if err := b.get("/api/v1/rules", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (b *RemoteBackend) Reload() error {
	resp, err := b.Client.Post(b.BaseURL+"/api/v1/reload", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("reload failed: %s", e.Error)
		}
		return fmt.Errorf("reload failed: %s", resp.Status)
	}
	return nil
}

func (b *RemoteBackend) Events() (EventStream, error) {
	wsURL := b.BaseURL + "/api/v1/events"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next() (nfq.Event, error) {
	var ev nfq.Event
	err := s.conn.ReadJSON(&ev)
	return ev, err
}

func (s *wsStream) Close() error {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
