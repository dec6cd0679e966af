package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/zn4editz-pixel/z-app-sub001/internal/ban"
	"github.com/zn4editz-pixel/z-app-sub001/internal/call"
	"github.com/zn4editz-pixel/z-app-sub001/internal/match"
	"github.com/zn4editz-pixel/z-app-sub001/internal/messaging"
	"github.com/zn4editz-pixel/z-app-sub001/internal/metrics"
	"github.com/zn4editz-pixel/z-app-sub001/internal/presence"
	"github.com/zn4editz-pixel/z-app-sub001/internal/protocol"
	"github.com/zn4editz-pixel/z-app-sub001/internal/ratelimit"
	"github.com/zn4editz-pixel/z-app-sub001/internal/report"
	"github.com/zn4editz-pixel/z-app-sub001/internal/ws"
)

// senderFunc adapts a closure to the call.Sender interface so the manager
// can be built before the server exists.
type senderFunc func(connID string, data []byte) error

func (f senderFunc) Send(connID string, data []byte) error { return f(connID, data) }

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	callConfig := call.Config{}
	if v := os.Getenv("CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			callConfig.ConnectTimeout = d
		}
	}
	if v := os.Getenv("RING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			callConfig.RingTimeout = d
		}
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	pingCancel()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsConfig.Name = "pairing-signaling"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Postgres (optional, disables report persistence when absent) ---
	var reportStore *report.Store
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL != "" {
		migrationsPath := "file://migrations"
		if v := os.Getenv("MIGRATIONS_PATH"); v != "" {
			migrationsPath = v
		}
		m, err := migrate.New(migrationsPath, databaseURL)
		if err != nil {
			log.Fatalf("failed to init migrations: %v", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("failed to apply migrations: %v", err)
		}

		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		dbCtx, dbCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(dbCtx); err != nil {
			dbCancel()
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		dbCancel()
		reportStore = report.NewStore(db)
	} else {
		log.Printf("DATABASE_URL not set, report persistence disabled")
	}

	registry := presence.NewRegistry(rdb)
	banStore := ban.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb)

	log.Printf("Pairing signaling server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)

	// Declare early so closures can capture them; wired below.
	var server *ws.Server
	var queue *match.Queue

	manager := call.NewManager(
		senderFunc(func(connID string, data []byte) error {
			return server.Send(connID, data)
		}),
		call.Config{
			ConnectTimeout: callConfig.ConnectTimeout,
			RingTimeout:    callConfig.RingTimeout,
			Requeue: func(e match.Entry) {
				if err := queue.Join(e); err != nil {
					log.Printf("requeue %s: %v", e.ConnID, err)
				}
			},
			IsConnected: func(connID string) bool {
				return server.IsConnected(connID)
			},
			ProfileFor: func(connID string) json.RawMessage {
				caps, ok := registry.Capabilities(connID)
				if !ok || !caps.DiscloseIdentity {
					return nil
				}
				userID, ok := registry.UserID(connID)
				if !ok {
					return nil
				}
				p, _ := json.Marshal(struct {
					UserID string `json:"user_id"`
				}{UserID: userID})
				return p
			},
			Events: natsClient,
		},
	)
	relay := call.NewRelay(manager)
	bridge := report.NewBridge(manager, reportStore, natsClient)

	queue = match.NewQueue(
		func(a, b match.Entry) { manager.CreateStranger(a, b) },
		manager.InSession,
	)

	// Presence teardown covers the whole pipeline: a vanished connection
	// leaves the queue and ends its session exactly once.
	registry.OnUnregister(func(connID, userID string) {
		queue.Leave(connID)
		manager.PeerLost(connID)
		metrics.RegisteredUsers.Set(float64(registry.LocalCount()))
	})

	dispatcher := ws.NewMessageDispatcher()

	// requireUser resolves the registered identity or tells the client to
	// register first.
	requireUser := func(conn *ws.Connection) (string, bool) {
		userID, ok := registry.UserID(conn.ID)
		if !ok {
			dispatcher.SendError(conn, "not_registered", "register before using this operation")
		}
		return userID, ok
	}

	sendTo := func(conn *ws.Connection, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("build %s for conn=%s: %v", msgType, conn.ID, err)
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("send %s to conn=%s: %v", msgType, conn.ID, err)
		}
	}

	// sendCallError maps session lifecycle errors onto protocol error codes.
	sendCallError := func(conn *ws.Connection, err error) {
		switch {
		case errors.Is(err, call.ErrSessionNotFound):
			dispatcher.SendError(conn, "session_not_found", "no such session")
		case errors.Is(err, call.ErrNotAParticipant):
			dispatcher.SendError(conn, "not_a_participant", "you are not part of this session")
		case errors.Is(err, call.ErrProtocolViolation):
			dispatcher.SendError(conn, "protocol_violation", "message not valid in current session state")
		case errors.Is(err, call.ErrPeerUnreachable):
			dispatcher.SendError(conn, "peer_unreachable", "target user is not reachable")
		case errors.Is(err, call.ErrBusy):
			dispatcher.SendError(conn, "busy", "a participant is already in a session")
		default:
			dispatcher.SendError(conn, "internal_error", "operation failed")
		}
	}

	// -----------------------------------------------------------------------
	// register
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeRegister, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.RegisterMsg)
		if !ok || m.UserID == "" {
			dispatcher.SendError(conn, "invalid_register", "user_id is required")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		banned, remaining, reason, err := banStore.IsBanned(ctx, m.UserID)
		cancel()
		if err != nil {
			log.Printf("ban check for %s failed: %v (failing open)", m.UserID, err)
		}
		if banned {
			log.Printf("rejected banned user=%s reason=%s remaining=%ds", m.UserID, reason, remaining)
			dispatcher.SendError(conn, "banned", "temporarily banned: "+reason)
			return
		}

		ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
		err = registry.Register(ctx, conn.ID, m.UserID, m.Capabilities)
		cancel()
		if err != nil {
			dispatcher.SendError(conn, "already_registered", "connection is bound to another identity")
			return
		}

		metrics.RegisteredUsers.Set(float64(registry.LocalCount()))
		sendTo(conn, protocol.TypeRegistered, protocol.RegisteredMsg{UserID: m.UserID})
	})

	// -----------------------------------------------------------------------
	// queue:join / queue:leave
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeQueueJoin, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.QueueJoinMsg)
		if !ok {
			dispatcher.SendError(conn, "invalid_message", "malformed queue:join")
			return
		}
		userID, ok := requireUser(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleQueueJoin)
		cancel()
		if !allowed {
			dispatcher.SendError(conn, "rate_limited", "too many queue attempts, slow down")
			return
		}

		err := queue.Join(match.Entry{ConnID: conn.ID, UserID: userID, Profile: m.Profile})
		switch {
		case err == nil:
			sendTo(conn, protocol.TypeQueueWaiting, protocol.QueueWaitingMsg{})
		case errors.Is(err, match.ErrAlreadyQueued):
			// Idempotent join, re-acknowledge the wait.
			sendTo(conn, protocol.TypeQueueWaiting, protocol.QueueWaitingMsg{})
		case errors.Is(err, match.ErrAlreadyPaired):
			dispatcher.SendError(conn, "busy", "already in a session")
		default:
			dispatcher.SendError(conn, "internal_error", "failed to join queue")
		}
	})

	dispatcher.Register(protocol.TypeQueueLeave, func(conn *ws.Connection, msg interface{}) {
		if _, ok := requireUser(conn); !ok {
			return
		}
		queue.Leave(conn.ID)
	})

	// -----------------------------------------------------------------------
	// call:initiate / call:accept / call:reject
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCallInitiate, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.CallInitiateMsg)
		if !ok || m.TargetUserID == "" {
			dispatcher.SendError(conn, "invalid_message", "malformed call:initiate")
			return
		}
		userID, ok := requireUser(conn)
		if !ok {
			return
		}
		if m.TargetUserID == userID {
			dispatcher.SendError(conn, "invalid_message", "cannot call yourself")
			return
		}

		var kind call.Kind
		switch m.Kind {
		case "audio":
			kind = call.KindPrivateAudio
		case "video":
			kind = call.KindPrivateVideo
		default:
			dispatcher.SendError(conn, "invalid_message", "kind must be audio or video")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleCallInitiate)
		cancel()
		if !allowed {
			dispatcher.SendError(conn, "rate_limited", "too many call attempts, slow down")
			return
		}

		targetConn, ok := registry.LookupConnection(m.TargetUserID)
		if !ok {
			sendCallError(conn, call.ErrPeerUnreachable)
			return
		}
		// Targets that opted out of contact are indistinguishable from
		// offline ones.
		if caps, ok := registry.Capabilities(targetConn); !ok || !caps.AllowFriendRequests {
			sendCallError(conn, call.ErrPeerUnreachable)
			return
		}

		// A ringing call claims both parties; neither may stay eligible for
		// stranger pairing while it is pending.
		queue.Leave(conn.ID)
		queue.Leave(targetConn)

		if _, err := manager.InitiatePrivate(conn.ID, userID, targetConn, m.TargetUserID, kind); err != nil {
			sendCallError(conn, err)
		}
	})

	dispatcher.Register(protocol.TypeCallAccept, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.CallAcceptMsg)
		if !ok || m.SessionID == "" {
			dispatcher.SendError(conn, "invalid_message", "malformed call:accept")
			return
		}
		if _, ok := requireUser(conn); !ok {
			return
		}
		queue.Leave(conn.ID)
		if err := manager.Accept(m.SessionID, conn.ID); err != nil {
			sendCallError(conn, err)
		}
	})

	dispatcher.Register(protocol.TypeCallReject, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.CallRejectMsg)
		if !ok || m.SessionID == "" {
			dispatcher.SendError(conn, "invalid_message", "malformed call:reject")
			return
		}
		if _, ok := requireUser(conn); !ok {
			return
		}
		if err := manager.Reject(m.SessionID, conn.ID); err != nil {
			sendCallError(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// call:hangup / session:skip
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCallHangup, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.CallHangupMsg)
		if !ok || m.SessionID == "" {
			dispatcher.SendError(conn, "invalid_message", "malformed call:hangup")
			return
		}
		if _, ok := requireUser(conn); !ok {
			return
		}
		if err := manager.Hangup(m.SessionID, conn.ID); err != nil {
			sendCallError(conn, err)
		}
	})

	dispatcher.Register(protocol.TypeSessionSkip, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SessionSkipMsg)
		if !ok || m.SessionID == "" {
			dispatcher.SendError(conn, "invalid_message", "malformed session:skip")
			return
		}
		if _, ok := requireUser(conn); !ok {
			return
		}
		if err := manager.Skip(m.SessionID, conn.ID); err != nil {
			sendCallError(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// signal:offer / signal:answer / signal:ice
	// -----------------------------------------------------------------------
	allowSignal := func(conn *ws.Connection) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleSignal)
		cancel()
		if !allowed {
			dispatcher.SendError(conn, "rate_limited", "signaling too fast")
		}
		return allowed
	}

	dispatcher.Register(protocol.TypeSignalOffer, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SignalOfferMsg)
		if !ok || m.SessionID == "" || m.SDP == "" {
			dispatcher.SendError(conn, "invalid_message", "malformed signal:offer")
			return
		}
		if !allowSignal(conn) {
			return
		}
		raw, err := protocol.NewServerMessage(protocol.TypeSignalOffer, m)
		if err != nil {
			dispatcher.SendError(conn, "internal_error", "failed to relay offer")
			return
		}
		if err := relay.Offer(m.SessionID, conn.ID, raw); err != nil {
			sendCallError(conn, err)
		}
	})

	dispatcher.Register(protocol.TypeSignalAnswer, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SignalAnswerMsg)
		if !ok || m.SessionID == "" || m.SDP == "" {
			dispatcher.SendError(conn, "invalid_message", "malformed signal:answer")
			return
		}
		if !allowSignal(conn) {
			return
		}
		raw, err := protocol.NewServerMessage(protocol.TypeSignalAnswer, m)
		if err != nil {
			dispatcher.SendError(conn, "internal_error", "failed to relay answer")
			return
		}
		if err := relay.Answer(m.SessionID, conn.ID, raw); err != nil {
			sendCallError(conn, err)
		}
	})

	dispatcher.Register(protocol.TypeSignalIce, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SignalIceMsg)
		if !ok || m.SessionID == "" {
			dispatcher.SendError(conn, "invalid_message", "malformed signal:ice")
			return
		}
		if !allowSignal(conn) {
			return
		}
		raw, err := protocol.NewServerMessage(protocol.TypeSignalIce, m)
		if err != nil {
			return
		}
		if err := relay.ICE(m.SessionID, conn.ID, m, raw); err != nil {
			sendCallError(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// report:submit
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeReportSubmit, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ReportSubmitMsg)
		if !ok || m.SessionID == "" {
			dispatcher.SendError(conn, "invalid_message", "malformed report:submit")
			return
		}
		userID, ok := requireUser(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleReport)
		cancel()
		if !allowed {
			dispatcher.SendError(conn, "rate_limited", "too many reports, slow down")
			return
		}

		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		err := bridge.ValidateAndForward(ctx, userID, m)
		cancel()
		if err != nil {
			log.Printf("report from user=%s rejected: %v", userID, err)
			sendTo(conn, protocol.TypeReportRejected, protocol.ReportRejectedMsg{
				Reason: "report could not be validated",
			})
			return
		}
		sendTo(conn, protocol.TypeReportAccepted, protocol.ReportAcceptedMsg{SessionID: m.SessionID})
	})

	server = ws.NewServer(config, dispatcher.Dispatch)

	server.SetConnectGate(func(remoteIP string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		allowed, _ := limiter.Allow(ctx, remoteIP, ratelimit.RuleConnect)
		return allowed
	})

	server.SetOnlineCounter(registry.OnlineCount)

	server.SetOnDisconnect(func(connID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		registry.Unregister(ctx, connID)
	})

	// Ban decisions from the moderation service cut live connections.
	if err := natsClient.SubscribeBans(func(data []byte) {
		var decision struct {
			UserID string `json:"user_id"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(data, &decision); err != nil {
			log.Printf("[ban-sub] unmarshal: %v", err)
			return
		}
		connID, ok := registry.LookupConnection(decision.UserID)
		if !ok {
			return
		}
		log.Printf("[ban-sub] disconnecting banned user=%s conn=%s", decision.UserID, connID)
		if c := server.Connections().Get(connID); c != nil {
			dispatcher.SendError(c, "banned", "temporarily banned: "+decision.Reason)
			server.RemoveConnection(c)
		}
	}); err != nil {
		log.Fatalf("failed to subscribe to ban decisions: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		queue.Stop()
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
