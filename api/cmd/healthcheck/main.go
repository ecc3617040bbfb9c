package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	// Tight timeout to prevent hanging health checks from wedging a
	// container orchestrator's liveness probe.
	client := http.Client{
		Timeout: 2 * time.Second,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	resp, err := client.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthcheck failed: received status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	os.Exit(0)
}
