// Ingestion of message events from a websocket gateway feed.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/prismai/automod/automod/engine"
	"github.com/prismai/automod/automod/rules"
	"github.com/prismai/automod/automod/scheduler"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var gatewayCursorKey = "sentinel/seq"

// One frame of the gateway feed. Only "message" frames carry an event; others (eg, "hello", "heartbeat") are skipped.
type Envelope struct {
	Op   string          `json:"op"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

type GatewayConsumer struct {
	// ws:// or wss:// URL of the gateway feed; http(s) URLs are converted
	Host        string
	Parallelism int
	// per-user queue bound in each pool (zero is unbounded)
	MaxQueue    int
	Logger      *slog.Logger
	RedisClient *redis.Client
	Engine      *engine.Engine

	// lastSeq is the most recent frame sequence number we've received and begun to handle.
	// This number is periodically persisted to redis, if redis is present.
	lastSeq atomic.Int64
}

func (gc *GatewayConsumer) logger() *slog.Logger {
	if gc.Logger != nil {
		return gc.Logger
	}
	return slog.Default()
}

func (gc *GatewayConsumer) Run(ctx context.Context) error {
	if gc.Engine == nil {
		return fmt.Errorf("nil engine")
	}
	logger := gc.logger()

	cur, err := gc.ReadLastCursor(ctx)
	if err != nil {
		return err
	}

	u, err := url.Parse(gc.Host)
	if err != nil {
		return fmt.Errorf("invalid Host URI: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if cur != 0 {
		q := u.Query()
		q.Set("cursor", fmt.Sprint(cur))
		u.RawQuery = q.Encode()
	}
	logger.Info("subscribing to gateway event stream", "upstream", gc.Host, "cursor", cur)
	dialer := websocket.DefaultDialer
	con, _, err := dialer.DialContext(ctx, u.String(), http.Header{
		"User-Agent": []string{fmt.Sprintf("prismai-sentinel/%s", versioninfo.Short())},
	})
	if err != nil {
		return fmt.Errorf("subscribing to gateway failed (dialing): %w", err)
	}

	par := gc.Parallelism
	if par <= 0 {
		par = 4
	}
	// evaluation and dispatch run in separate pools, both keyed by guild and user, so a slow connector never holds up evaluation
	dispatchSched := scheduler.NewScheduler(par, gc.MaxQueue, "gateway-dispatch", func(ctx context.Context, d *engine.Decision) error {
		gc.Engine.Dispatch(ctx, d)
		return nil
	})
	evalSched := scheduler.NewScheduler(par, gc.MaxQueue, "gateway-eval", func(ctx context.Context, msg *rules.Message) error {
		d, err := gc.Engine.Evaluate(ctx, msg)
		if err != nil {
			logger.Error("evaluating message event failed", "guild", msg.GuildID, "user", msg.UserID, "message", msg.MessageID, "err", err)
		}
		if d == nil {
			return nil
		}
		gc.handoff(ctx, dispatchSched, d)
		return nil
	})
	defer func() {
		evalSched.Shutdown()
		dispatchSched.Shutdown()
	}()

	logger.Info("gateway scheduler configured", "scheduler", "parallel", "workers", par)
	return gc.HandleStream(ctx, con, evalSched)
}

// Passes a committed decision on to the dispatch pool. Ledger and cooldown state is already written at this point, so a decision the pool won't take is dispatched inline on the evaluation worker instead.
func (gc *GatewayConsumer) handoff(ctx context.Context, sched *scheduler.Scheduler[*engine.Decision], d *engine.Decision) {
	if d.State == engine.StateNoMatch {
		gc.Engine.Dispatch(ctx, d)
		return
	}
	err := sched.AddWork(ctx, eventKey(&d.Event), d)
	if err == nil {
		return
	}
	reason := "dispatch-cancelled"
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		reason = "dispatch-queue-full"
	case errors.Is(err, scheduler.ErrShutdown):
		reason = "dispatch-shutdown"
	}
	droppedEventsCounter.WithLabelValues(reason).Inc()
	gc.logger().Warn("dispatch pool rejected decision, dispatching inline", "guild", d.Event.GuildID, "user", d.Event.UserID, "message", d.Event.MessageID, "err", err)
	gc.Engine.Dispatch(ctx, d)
}

func eventKey(msg *rules.Message) string {
	return msg.GuildID + "/" + msg.UserID
}

type instrumentedReader struct {
	r            io.Reader
	bytesCounter prometheus.Counter
}

func (sr *instrumentedReader) Read(p []byte) (int, error) {
	n, err := sr.r.Read(p)
	sr.bytesCounter.Add(float64(n))
	return n, err
}

// Reads frames until the connection fails or ctx is cancelled, handing message events to the scheduler.
func (gc *GatewayConsumer) HandleStream(ctx context.Context, con *websocket.Conn, sched *scheduler.Scheduler[*rules.Message]) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := gc.logger()

	remoteAddr := con.RemoteAddr().String()

	go func() {
		t := time.NewTicker(time.Second * 30)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				if err := con.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second*10)); err != nil {
					logger.Warn("failed to ping", "err", err)
				}
			case <-ctx.Done():
				con.Close()
				return
			}
		}
	}()

	lastSeq := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		mt, rawReader, err := con.NextReader()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if mt != websocket.TextMessage {
			return fmt.Errorf("expected text message from gateway")
		}

		r := &instrumentedReader{
			r:            rawReader,
			bytesCounter: bytesFromStreamCounter.WithLabelValues(remoteAddr),
		}
		var env Envelope
		if err := json.NewDecoder(r).Decode(&env); err != nil {
			droppedEventsCounter.WithLabelValues("decode").Inc()
			logger.Warn("skipping undecodable gateway frame", "err", err)
			continue
		}
		eventsFromStreamCounter.WithLabelValues(remoteAddr, env.Op).Inc()

		if env.Seq > 0 {
			if env.Seq < lastSeq {
				logger.Error("got events out of order from stream", "seq", env.Seq, "prev", lastSeq)
			}
			lastSeq = env.Seq
		}

		switch env.Op {
		case "message":
			var msg rules.Message
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				droppedEventsCounter.WithLabelValues("decode").Inc()
				logger.Warn("skipping undecodable message event", "seq", env.Seq, "err", err)
				continue
			}
			if msg.GuildID == "" || msg.UserID == "" {
				droppedEventsCounter.WithLabelValues("malformed").Inc()
				logger.Warn("skipping message event without guild or user", "seq", env.Seq)
				continue
			}
			if err := sched.AddWork(ctx, eventKey(&msg), &msg); err != nil {
				if errors.Is(err, scheduler.ErrQueueFull) {
					droppedEventsCounter.WithLabelValues("queue-full").Inc()
					logger.Error("dropping message event, user queue is full", "guild", msg.GuildID, "user", msg.UserID, "seq", env.Seq)
					continue
				}
				return err
			}
		default:
			logger.Debug("ignoring gateway frame", "op", env.Op)
		}
		if env.Seq > 0 {
			gc.lastSeq.Store(env.Seq)
		}
	}
}

func (gc *GatewayConsumer) ReadLastCursor(ctx context.Context) (int64, error) {
	// if redis isn't configured, just skip
	if gc.RedisClient == nil {
		gc.logger().Info("redis not configured, skipping cursor read")
		return 0, nil
	}

	val, err := gc.RedisClient.Get(ctx, gatewayCursorKey).Int64()
	if err == redis.Nil {
		gc.logger().Info("no pre-existing cursor in redis")
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	gc.logger().Info("successfully found prior subscription cursor seq in redis", "seq", val)
	return val, nil
}

func (gc *GatewayConsumer) PersistCursor(ctx context.Context) error {
	// if redis isn't configured, just skip
	if gc.RedisClient == nil {
		return nil
	}
	lastSeq := gc.lastSeq.Load()
	if lastSeq <= 0 {
		return nil
	}
	return gc.RedisClient.Set(ctx, gatewayCursorKey, lastSeq, 14*24*time.Hour).Err()
}

// this method runs in a loop, persisting the current cursor state every 5 seconds
func (gc *GatewayConsumer) RunPersistCursor(ctx context.Context) error {
	// if redis isn't configured, just skip
	if gc.RedisClient == nil {
		return nil
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lastSeq := gc.lastSeq.Load()
			if lastSeq >= 1 {
				gc.logger().Info("persisting final cursor seq value", "seq", lastSeq)
				if err := gc.PersistCursor(context.WithoutCancel(ctx)); err != nil {
					gc.logger().Error("failed to persist cursor", "err", err, "seq", lastSeq)
				}
			}
			return nil
		case <-ticker.C:
			if err := gc.PersistCursor(ctx); err != nil {
				gc.logger().Error("failed to persist cursor", "err", err, "seq", gc.lastSeq.Load())
			}
		}
	}
}

// Most recent sequence number handed to the scheduler.
func (gc *GatewayConsumer) LastSeq() int64 {
	return gc.lastSeq.Load()
}
