package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gymgate/internal/checkin"
	"gymgate/internal/config"
	"gymgate/internal/queue"
	"gymgate/internal/store"
)

// Worker consumes staff alerts from the queue and delivers them to the
// configured notifier webhook. Delivery failures are logged and dropped:
// alerts are advisory, not transactional.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "gymgate:alerts")
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("notifier worker started, waiting for alerts...")
	for msg := range messages {
		if msg.Type != "alert" {
			continue
		}

		var alert checkin.Alert
		if err := json.Unmarshal(msg.Body, &alert); err != nil {
			log.Printf("drop malformed alert: %v", err)
			continue
		}

		switch alert.Type {
		case "membership-expired":
			log.Printf("tenant %s: membership expired for %s (#%d, %s)",
				alert.TenantID, alert.Name, alert.RegNo, alert.Phone)
		case "face-not-recognized":
			log.Printf("tenant %s: unrecognized face at kiosk", alert.TenantID)
		default:
			log.Printf("tenant %s: alert %s", alert.TenantID, alert.Type)
		}

		if cfg.NotifierWebhookURL == "" {
			continue
		}
		if err := deliver(ctx, httpClient, cfg.NotifierWebhookURL, msg.Body); err != nil {
			log.Printf("webhook delivery failed: %v", err)
		}
	}

	log.Println("worker stopped")
}

func deliver(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &webhookError{status: resp.Status}
	}
	return nil
}

type webhookError struct {
	status string
}

func (e *webhookError) Error() string { return "webhook returned " + e.status }
