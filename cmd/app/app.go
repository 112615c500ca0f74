package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kamal-napper/internal/config"
	"kamal-napper/internal/models"
)

// apiURL resolves a daemon API path against the configured listen
// address; a bare ":4333" means localhost.
func apiURL(path string) string {
	addr := config.App().Server.Address
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

var apiClient = &http.Client{Timeout: 10 * time.Second}

func getStatus() (*models.StatusResponse, error) {
	resp, err := apiClient.Get(apiURL("/napper/api/v1/status"))
	if err != nil {
		return nil, fmt.Errorf("cannot reach the napper daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon answered %s", resp.Status)
	}
	var status models.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("unparseable status response: %w", err)
	}
	return &status, nil
}

func postControl(host, action string) (*models.ControlResponse, error) {
	body, err := json.Marshal(models.ControlRequest{Host: host, Action: action})
	if err != nil {
		return nil, err
	}
	resp, err := apiClient.Post(apiURL("/napper/api/v1/control"), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cannot reach the napper daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("daemon answered %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var control models.ControlResponse
	if err := json.NewDecoder(resp.Body).Decode(&control); err != nil {
		return nil, fmt.Errorf("unparseable control response: %w", err)
	}
	return &control, nil
}
