// Command backend runs a lightweight HTTP mock of an OpenAI-compatible
// inference server. It is used for E2E/load testing the gateway without a
// real model server.
//
// On startup it can self-register with a running gateway:
//
//	GATEWAY_URL=http://localhost:8000 ADMIN_API_KEY=... ./backend
//
// Behaviour flags (via env):
//
//	PORT              — listen port (default 19001)
//	MODEL_NAME        — model served by this backend (default "mock-llm-7b")
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in a generated response (default 10)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock backend.
type Config struct {
	Port        string
	ModelName   string
	LatencyMS   int
	ErrorRate   float64
	StreamWords int

	// Self-registration; skipped when GatewayURL is empty.
	GatewayURL  string
	AdminAPIKey string
	PublicURL   string
}

func loadConfig() Config {
	c := Config{
		Port:        "19001",
		ModelName:   "mock-llm-7b",
		StreamWords: 10,
		GatewayURL:  os.Getenv("GATEWAY_URL"),
		AdminAPIKey: os.Getenv("ADMIN_API_KEY"),
		PublicURL:   os.Getenv("PUBLIC_URL"),
	}

	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		c.ModelName = v
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost:" + c.Port
	}
	return c
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock backend",
		slog.String("model", cfg.ModelName),
		slog.String("port", cfg.Port),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newBackendHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	if cfg.GatewayURL != "" {
		if id, err := register(cfg); err != nil {
			log.Error("self-registration failed", slog.String("error", err.Error()))
		} else {
			log.Info("registered with gateway", slog.String("registration_id", id))
		}
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock backend")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// register announces this backend to the gateway's admin API.
func register(cfg Config) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"model_name":   cfg.ModelName,
		"endpoint_url": cfg.PublicURL,
		"capabilities": map[string]any{
			"max_tokens":     4096,
			"context_length": 8192,
			"streaming":      true,
		},
	})

	req, err := http.NewRequest(http.MethodPost, cfg.GatewayURL+"/admin/register", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", cfg.AdminAPIKey)

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	var out struct {
		RegistrationID string `json:"registration_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.RegistrationID, nil
}
