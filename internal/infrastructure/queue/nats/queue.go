package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/resilience"
)

// Queue publishes and consumes pipeline events. Stage events are load balanced across workers;
// company change events reach every process so that each can drop its cache.
type Queue struct {
	conn             *nats.Conn
	stageSubject     string
	companiesSubject string
	queueGroup       string
	executor         *resilience.Executor
}

type Options struct {
	StageSubject         string
	CompaniesSubject     string
	QueueGroup           string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url string, options Options) (*Queue, error) {
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

	conn, err := nats.Connect(
		url,
		nats.Name("expense-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newQueue(conn, options), nil
}

func newQueue(conn *nats.Conn, options Options) *Queue {
	q := &Queue{
		conn:             conn,
		stageSubject:     options.StageSubject,
		companiesSubject: options.CompaniesSubject,
		queueGroup:       options.QueueGroup,
		executor:         options.ResilienceExecutor,
	}
	if q.stageSubject == "" {
		q.stageSubject = "expenses.stage.changed"
	}
	if q.companiesSubject == "" {
		q.companiesSubject = "expenses.companies.changed"
	}
	if q.queueGroup == "" {
		q.queueGroup = "workers"
	}
	return q
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishStageChanged(ctx context.Context, event domain.StageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}
	return q.publish(ctx, q.stageSubject, payload)
}

func (q *Queue) PublishCompaniesChanged(ctx context.Context, clientGroupID int64) error {
	return q.publish(ctx, q.companiesSubject, []byte(strconv.FormatInt(clientGroupID, 10)))
}

func (q *Queue) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

func (q *Queue) SubscribeStageChanged(ctx context.Context, handler func(context.Context, domain.StageEvent) error) error {
	sub, err := q.conn.QueueSubscribe(q.stageSubject, q.queueGroup, func(msg *nats.Msg) {
		var event domain.StageEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("stage_event_decode_failed", "subject", msg.Subject, "error", err)
			return
		}
		q.dispatch(ctx, func(handlerCtx context.Context) error { return handler(handlerCtx, event) },
			"stage_event_handler_failed", "document_id", event.DocumentID)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", q.stageSubject, err)
	}
	return q.serve(ctx, sub)
}

func (q *Queue) SubscribeCompaniesChanged(ctx context.Context, handler func(context.Context, int64) error) error {
	sub, err := q.conn.Subscribe(q.companiesSubject, func(msg *nats.Msg) {
		clientGroupID, err := strconv.ParseInt(string(msg.Data), 10, 64)
		if err != nil {
			slog.Warn("companies_event_decode_failed", "subject", msg.Subject, "error", err)
			return
		}
		q.dispatch(ctx, func(handlerCtx context.Context) error { return handler(handlerCtx, clientGroupID) },
			"companies_event_handler_failed", "client_group_id", clientGroupID)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", q.companiesSubject, err)
	}
	return q.serve(ctx, sub)
}

func (q *Queue) dispatch(ctx context.Context, fn func(context.Context) error, event string, attrs ...any) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := fn(handlerCtx); err != nil {
		slog.Warn(event, append(attrs, "error", err)...)
	}
}

// serve blocks until ctx is done, then drains the subscription.
func (q *Queue) serve(ctx context.Context, sub *nats.Subscription) error {
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
