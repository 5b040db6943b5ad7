// Package gameroom is the client for the downstream game-session service.
// Matchmaking asks it to reserve a room for every proposed pairing.
package gameroom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const createRoomPath = "/api/game/create-room"

// Player is one seat in a room request.
type Player struct {
	UserID string `json:"userId"`
	HeroID string `json:"heroId"`
}

type createRoomRequest struct {
	MatchID string   `json:"matchId"`
	Players []Player `json:"players"`
}

type createRoomResponse struct {
	GameRoomID string `json:"gameRoomId"`
	MatchID    string `json:"matchId"`
}

// Client posts room requests to the game engine.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client. timeout bounds each request end to end.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateGameRoom reserves a room for matchID and returns its ID. A 2xx
// response without a room ID yields matchID.
func (c *Client) CreateGameRoom(ctx context.Context, matchID string, players []Player) (string, error) {
	body, err := json.Marshal(createRoomRequest{MatchID: matchID, Players: players})
	if err != nil {
		return "", fmt.Errorf("gameroom: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+createRoomPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gameroom: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gameroom: create room %s: %w", matchID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("gameroom: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("gameroom: create room %s: status %d: %s", matchID, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed createRoomResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("gameroom: decode response: %w", err)
	}
	if parsed.GameRoomID == "" {
		return matchID, nil
	}
	return parsed.GameRoomID, nil
}
