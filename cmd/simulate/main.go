package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type coordinatePayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type rideRequestPayload struct {
	Tier          string            `json:"tier"`
	Pickup        coordinatePayload `json:"pickup"`
	Dropoff       coordinatePayload `json:"dropoff"`
	PaymentMethod string            `json:"payment_method"`
}

type acceptPayload struct {
	RideID string `json:"ride_id"`
}

func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	riderToken := flag.String("rider-token", "", "rider bearer token")
	driverToken := flag.String("driver-token", "", "driver bearer token")
	driverID := flag.String("driver-id", "sim_driver_1", "driver id")
	lat := flag.Float64("lat", 40.758, "pickup latitude")
	lon := flag.Float64("lon", -73.9855, "pickup longitude")
	destLat := flag.Float64("dest-lat", 40.748, "dropoff latitude")
	destLon := flag.Float64("dest-lon", -73.9857, "dropoff longitude")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	rideID, err := requestRide(client, *api, *riderToken, rideRequestPayload{
		Tier:          "standard",
		Pickup:        coordinatePayload{Latitude: *lat, Longitude: *lon},
		Dropoff:       coordinatePayload{Latitude: *destLat, Longitude: *destLon},
		PaymentMethod: "card",
	})
	if err != nil {
		log.Fatalf("ride request failed: %v", err)
	}
	log.Printf("ride requested: %s", rideID)

	if err := acceptRide(client, *api, *driverToken, *driverID, rideID); err != nil {
		log.Fatalf("accept failed: %v", err)
	}
	log.Printf("ride accepted by %s", *driverID)
}

func requestRide(client *http.Client, api, token string, payload rideRequestPayload) (string, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/v1/rides", api), bytes.NewBuffer(body))
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
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("request ride status: %s", resp.Status)
	}
	var res map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if id, ok := res["id"].(string); ok {
		return id, nil
	}
	return "", fmt.Errorf("ride id missing in response")
}

func acceptRide(client *http.Client, api, token, driverID, rideID string) error {
	body, _ := json.Marshal(acceptPayload{RideID: rideID})
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/v1/drivers/%s/accept", api, driverID), bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("accept status: %s", resp.Status)
	}
	return nil
}

func init() {
	log.SetOutput(os.Stdout)
}
