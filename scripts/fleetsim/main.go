// Command fleetsim drives a running fleet-api instance with synthetic
// devices: it registers a batch, heartbeats them and, when a rollout id is
// given, reports update outcomes with a configurable failure ratio. Useful
// for exercising staged rollouts against a local stack.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"
)

type registerRequest struct {
	Name           string `json:"name"`
	MACAddress     string `json:"mac_address"`
	CurrentVersion string `json:"current_version"`
}

type checkinRequest struct {
	CurrentVersion string  `json:"current_version,omitempty"`
	RolloutID      *string `json:"rollout_id,omitempty"`
	UpdateOutcome  *string `json:"update_outcome,omitempty"`
}

type envelope struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func main() {
	var (
		baseURL     string
		token       string
		devices     int
		rolloutID   string
		version     string
		failureRate float64
		timeout     time.Duration
	)

	flag.StringVar(&baseURL, "base", "http://localhost:8080/api/v1", "API base URL")
	flag.StringVar(&token, "token", "", "Bearer token for authenticated endpoints")
	flag.IntVar(&devices, "devices", 20, "Number of devices to register")
	flag.StringVar(&rolloutID, "rollout", "", "Rollout id to report outcomes against")
	flag.StringVar(&version, "version", "1.0.0", "Firmware version the devices report")
	flag.Float64Var(&failureRate, "failure-rate", 0.1, "Fraction of outcome reports that fail")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	client := &http.Client{Timeout: timeout}

	ids := make([]string, 0, devices)
	for i := 0; i < devices; i++ {
		id, err := registerDevice(client, baseURL, token, i, version)
		if err != nil {
			log.Fatalf("register device %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	fmt.Printf("registered %d devices\n", len(ids))

	var failures int
	for _, id := range ids {
		req := checkinRequest{CurrentVersion: version}
		if rolloutID != "" {
			outcome := "success"
			if rand.Float64() < failureRate {
				outcome = "failure"
				failures++
			}
			req.RolloutID = &rolloutID
			req.UpdateOutcome = &outcome
		}
		if err := checkin(client, baseURL, id, req); err != nil {
			log.Fatalf("checkin %s: %v", id, err)
		}
	}

	if rolloutID != "" {
		fmt.Printf("reported %d outcomes (%d failures) against rollout %s\n", len(ids), failures, rolloutID)
	} else {
		fmt.Printf("checked in %d devices\n", len(ids))
	}
}

func registerDevice(client *http.Client, baseURL, token string, n int, version string) (string, error) {
	payload := registerRequest{
		Name:           fmt.Sprintf("sim-device-%03d", n),
		MACAddress:     fmt.Sprintf("02:00:00:%02x:%02x:%02x", rand.Intn(256), rand.Intn(256), n%256),
		CurrentVersion: version,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, baseURL+"/devices", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		if env.Error != nil {
			return "", fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return env.Data.ID, nil
}

func checkin(client *http.Client, baseURL, deviceID string, payload checkinRequest) error {
	body, _ := json.Marshal(payload)

	resp, err := client.Post(baseURL+"/devices/"+deviceID+"/checkin", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
