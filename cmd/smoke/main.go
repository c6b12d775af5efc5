package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	api := envOrDefault("API_BASE", "http://localhost:8080")
	wsBase := envOrDefault("WS_BASE", "ws://localhost:8080")

	fmt.Println("Seeding identities...")
	if err := runCmd("go", "run", "./cmd/seed"); err != nil {
		log.Fatalf("seed failed: %v", err)
	}

	riderToken := envOrDefault("RIDER_TOKEN", "")
	driverToken := envOrDefault("DRIVER_TOKEN", "")
	if riderToken == "" || driverToken == "" {
		fmt.Println("Fetch tokens from seed output (rider/driver) and set RIDER_TOKEN/DRIVER_TOKEN env for a non-interactive run.")
	}

	fmt.Println("Sending driver heartbeat...")
	hbPayload := map[string]any{
		"latitude":  40.758,
		"longitude": -73.9855,
		"accuracy":  5,
		"timestamp": time.Now().UnixMilli(),
	}
	if err := postJSON(api+"/v1/drivers/sim_driver_1/location", driverToken, hbPayload); err != nil {
		log.Fatalf("heartbeat failed: %v", err)
	}

	fmt.Println("Requesting ride...")
	rideID, err := requestRide(api, riderToken, map[string]any{
		"tier": "standard",
		"pickup": map[string]any{
			"latitude":  40.758,
			"longitude": -73.9855,
		},
		"dropoff": map[string]any{
			"latitude":  40.748,
			"longitude": -73.9857,
		},
		"payment_method": "card",
	}, fmt.Sprintf("smoke-%d", time.Now().UnixNano()))
	if err != nil {
		log.Fatalf("request ride failed: %v", err)
	}
	fmt.Printf("Ride ID: %s\n", rideID)

	events := make(chan map[string]any, 5)
	go subscribeWS(wsBase, rideID, riderToken, events)

	fmt.Println("Accepting ride...")
	if err := postJSON(fmt.Sprintf("%s/v1/drivers/sim_driver_1/accept", api), driverToken, map[string]any{
		"ride_id": rideID,
	}); err != nil {
		log.Fatalf("accept failed: %v", err)
	}

	waitForStatus(events, "DRIVER_EN_ROUTE", rideID)

	fmt.Println("Smoke test complete.")
}

func requestRide(api, token string, payload map[string]any, idempotencyKey string) (string, error) {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", api+"/v1/rides", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %s", resp.Status)
	}
	var res map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	idVal, ok := res["id"]
	if !ok || idVal == nil {
		return "", fmt.Errorf("ride id missing")
	}
	id, _ := idVal.(string)
	if id == "" {
		return "", fmt.Errorf("ride id missing")
	}
	return id, nil
}

func postJSON(url, token string, payload map[string]any) error {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", url, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "DATABASE_URL="+envOrDefault("DATABASE_URL", ""))
	return cmd.Run()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func subscribeWS(base, rideID, token string, sink chan<- map[string]any) {
	u := fmt.Sprintf("%s/ws/rides/%s", base, rideID)
	parsed, _ := url.Parse(u)
	q := parsed.Query()
	if token != "" {
		q.Set("token", token)
	}
	parsed.RawQuery = q.Encode()

	c, _, err := websocket.DefaultDialer.Dial(parsed.String(), nil)
	if err != nil {
		log.Printf("ws dial failed: %v", err)
		return
	}
	defer c.Close()
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			continue
		}
		sink <- payload
	}
}

func waitForStatus(events <-chan map[string]any, expect, rideID string) {
	timeout := time.After(8 * time.Second)
	for {
		select {
		case msg := <-events:
			ride, ok := msg["ride"].(map[string]any)
			if !ok {
				continue
			}
			status, _ := ride["status"].(string)
			if status == "" {
				continue
			}
			if id, ok := ride["id"].(string); ok && id != "" && rideID != "" && id != rideID {
				continue
			}
			fmt.Printf("WS update received: %v\n", ride)
			if status == expect {
				return
			}
		case <-timeout:
			log.Fatalf("expected ws status %q not received", expect)
		}
	}
}
