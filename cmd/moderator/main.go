package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zn4editz-pixel/z-app-sub001/internal/ban"
	"github.com/zn4editz-pixel/z-app-sub001/internal/messaging"
	"github.com/zn4editz-pixel/z-app-sub001/internal/report"
)

// banDecision is published back to signaling servers when a user crosses the
// auto-ban threshold.
type banDecision struct {
	UserID   string `json:"user_id"`
	Reason   string `json:"reason"`
	Duration int64  `json:"duration_seconds"`
	Ts       int64  `json:"ts"`
}

func main() {
	log.Println("Starting pairing moderation service...")

	// Redis setup.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	banStore := ban.NewStore(rdb)

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "pairing-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Count each validated report against the target. Crossing the
	// threshold publishes a ban decision that signaling servers enforce on
	// live connections; the Redis record blocks re-registration on its own.
	err = natsClient.SubscribeReports(func(data []byte) {
		var fwd report.ForwardedReport
		if err := json.Unmarshal(data, &fwd); err != nil {
			log.Printf("[moderator] failed to unmarshal report: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		banned, duration, err := banStore.ReportAndCheck(ctx, fwd.TargetUserID)
		cancel()
		if err != nil {
			log.Printf("[moderator] report count for user=%s: %v", fwd.TargetUserID, err)
			return
		}

		if !banned {
			log.Printf("[moderator] recorded report session=%s target=%s",
				fwd.SessionID, fwd.TargetUserID)
			return
		}

		log.Printf("[moderator] AUTO-BAN user=%s duration=%s session=%s",
			fwd.TargetUserID, duration, fwd.SessionID)

		decision, err := json.Marshal(banDecision{
			UserID:   fwd.TargetUserID,
			Reason:   "multiple_reports",
			Duration: int64(duration.Seconds()),
			Ts:       time.Now().Unix(),
		})
		if err != nil {
			log.Printf("[moderator] failed to marshal ban decision: %v", err)
			return
		}
		if err := natsClient.PublishBan(decision); err != nil {
			log.Printf("[moderator] failed to publish ban decision: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to reports: %v", err)
	}

	log.Printf("Pairing moderation service running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	rdb.Close()
}
