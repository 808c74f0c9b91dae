package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
)

type Queue struct {
	conn          *nats.Conn
	jobsSubject   string
	eventsSubject string
	executor      *resilience.Executor
	logger        *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	// EventsSubject enables the event mirror when non-empty.
	EventsSubject string
	Logger        *slog.Logger
}

func New(url, jobsSubject string) (*Queue, error) {
	return NewWithOptions(url, jobsSubject, Options{})
}

func NewWithOptions(url, jobsSubject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("invoice-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:          conn,
		jobsSubject:   jobsSubject,
		eventsSubject: strings.TrimSuffix(options.EventsSubject, "."),
		executor:      options.ResilienceExecutor,
		logger:        logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishJobRequested(ctx context.Context, req domain.JobRequest) error {
	payload, err := encodeJobRequest(req)
	if err != nil {
		return err
	}
	if err := q.publish(ctx, "nats.publish_job", q.jobsSubject, payload); err != nil {
		return publishError("publish job request", err)
	}
	return nil
}

// Connected reports whether the connection is established right now. A
// connection created with RetryOnFailedConnect may still be reconnecting.
func (q *Queue) Connected() bool {
	return q.conn != nil && q.conn.IsConnected()
}

// SubscribeJobRequested delivers job requests to handler until ctx is done,
// then drains the subscription. Workers share the "workers" queue group, so
// each request runs once.
func (q *Queue) SubscribeJobRequested(ctx context.Context, handler func(context.Context, domain.JobRequest) error) error {
	sub, err := q.conn.QueueSubscribe(q.jobsSubject, "workers", func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		req, err := decodeJobRequest(msg.Data)
		if err != nil {
			q.logger.Error("worker_invalid_message", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, req); err != nil {
			q.logger.Error("worker_handler_error", "job_id", req.JobID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// Publish mirrors a progress event to "<events subject>.<topic>". Failures
// are logged and never reach the caller.
func (q *Queue) Publish(ctx context.Context, topic string, payload any) {
	if q.eventsSubject == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		q.logger.Warn("nats_event_encode_failed", "topic", topic, "error", err)
		return
	}
	if !q.Connected() {
		q.logger.Debug("nats_event_skipped", "topic", topic, "reason", "not connected")
		return
	}
	if err := q.conn.Publish(q.eventsSubject+"."+topic, data); err != nil {
		if isConnectionError(err) {
			q.logger.Debug("nats_event_skipped", "topic", topic, "error", err)
			return
		}
		q.logger.Warn("nats_event_publish_failed", "topic", topic, "error", err)
	}
}

func (q *Queue) publish(ctx context.Context, operation, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		// Publishing while reconnecting only fills the client buffer, and a
		// buffered job is lost if the connection never comes back.
		if !q.Connected() {
			return nats.ErrDisconnected
		}
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}
	if q.executor != nil {
		return q.executor.Execute(ctx, operation, call, classifyPublishError)
	}
	return call(ctx)
}

func encodeJobRequest(req domain.JobRequest) ([]byte, error) {
	if req.JobID == "" || len(req.FileRefs) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode job request", errors.New("job id and file references are required"))
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal job request: %w", err)
	}
	return data, nil
}

func decodeJobRequest(data []byte) (domain.JobRequest, error) {
	var req domain.JobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.JobRequest{}, fmt.Errorf("unmarshal job request: %w", err)
	}
	if req.JobID == "" || len(req.FileRefs) == 0 {
		return domain.JobRequest{}, fmt.Errorf("job request without id or file references")
	}
	return req, nil
}
