package main

import (
	"context"
	"database/sql"
	"fmt"

	"outreach/internal/bus"
	"outreach/internal/config"
	"outreach/internal/crm"
	"outreach/internal/domain"
	"outreach/internal/history"
	"outreach/internal/metrics"
	"outreach/internal/monitor"
	"outreach/internal/outreach"
	"outreach/internal/queue"
	"outreach/internal/storage"
	"outreach/internal/tracker"
	"outreach/internal/transport"
)

// app holds the wired components shared by run and the one-shot commands.
type app struct {
	db          *sql.DB
	lease       *queueLease
	leaseLost   chan struct{}
	transport   domain.Transport
	queue       *queue.Queue
	history     *history.SQLiteStore
	monitor     *monitor.Monitor
	tracker     *tracker.Tracker
	bus         *bus.Bus
	metrics     *metrics.Metrics
	coordinator *outreach.Coordinator
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := storage.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return db, nil
}

// openStores builds the queue and history on top of db. A queue built here
// may only dequeue while the process holds the queue lease.
func openStores(ctx context.Context, db *sql.DB, m *metrics.Metrics) (*queue.Queue, *history.SQLiteStore, error) {
	q, err := queue.New(ctx, queue.Config{
		Store:         queue.NewSQLiteStore(db),
		Logger:        logger,
		OnDepthChange: m.QueueDepth,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("queue: %w", err)
	}
	return q, history.NewSQLiteStore(db), nil
}

func newTransport(cfg *config.Config) (domain.Transport, error) {
	switch cfg.Transport.Kind {
	case "whatsapp":
		return transport.NewWhatsApp(transport.WhatsAppConfig{
			BaseURL:          cfg.Transport.WhatsApp.BaseURL,
			APIKey:           cfg.Transport.WhatsApp.APIKey,
			Timeout:          cfg.Transport.Timeout(),
			MaxMessageLength: cfg.Transport.WhatsApp.MaxMessageLength,
			Logger:           logger,
		}), nil
	case "telegram":
		return transport.NewTelegram(transport.TelegramConfig{
			Token:    cfg.Transport.Telegram.Token,
			Endpoint: cfg.Transport.Telegram.Endpoint,
			Timeout:  cfg.Transport.Timeout(),
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func newSink(cfg *config.Config) domain.StatusSink {
	if cfg.CRM.Kind != "monday" {
		return crm.LogSink{Logger: logger}
	}
	mc := cfg.CRM.Monday
	return crm.NewMonday(crm.MondayConfig{
		APIToken:        mc.APIToken,
		BoardID:         mc.BoardID,
		StatusColumn:    mc.StatusColumn,
		NotesColumn:     mc.NotesColumn,
		Endpoint:        mc.Endpoint,
		Timeout:         cfg.CRM.Timeout(),
		MaxRetries:      mc.MaxRetries,
		BreakerFailures: uint32(mc.BreakerFailures),
		BreakerCooldown: mc.BreakerCooldown(),
		Logger:          logger,
	})
}

// buildApp wires every component around a claimed queue. addr is the ops
// endpoint advertised to other processes, empty for one-shot commands. It
// fails with *ownerError when another process owns the queue.
func buildApp(ctx context.Context, cfg *config.Config, addr string) (*app, error) {
	a := &app{metrics: metrics.New()}

	t, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	a.transport = t

	if a.db, err = openDB(cfg); err != nil {
		return nil, err
	}
	if a.lease, err = claimQueue(ctx, a.db, addr); err != nil {
		a.db.Close()
		return nil, err
	}
	if a.queue, a.history, err = openStores(ctx, a.db, a.metrics); err != nil {
		a.lease.release()
		a.db.Close()
		return nil, err
	}

	a.monitor = monitor.New(monitor.Config{
		Transport:    t,
		ProbeTimeout: cfg.Monitor.ProbeTimeout(),
		Logger:       logger,
	})
	a.tracker = tracker.New(tracker.Config{
		Transport:    t,
		MaxAge:       cfg.Tracker.MaxAge(),
		MaxAttempts:  cfg.Tracker.MaxAttempts,
		CheckTimeout: cfg.Tracker.CheckTimeout(),
		Logger:       logger,
	})
	a.bus = bus.New(cfg.Delivery.EventBufferSize, logger)

	a.coordinator, err = outreach.New(outreach.Deps{
		Transport: t,
		Queue:     a.queue,
		History:   a.history,
		Tracker:   a.tracker,
		Monitor:   a.monitor,
		Sink:      newSink(cfg),
		Bus:       a.bus,
		Metrics:   a.metrics,
		Logger:    logger,
	}, outreach.Config{
		DrainBatchSize: cfg.Delivery.DrainBatchSize,
		DrainWorkers:   cfg.Delivery.DrainWorkers,
		DrainInterval:  cfg.Delivery.DrainInterval(),
		SendInterval:   cfg.Delivery.SendInterval(),
		SendTimeout:    cfg.Delivery.SendTimeout(),
		SinkTimeout:    cfg.CRM.Timeout(),
	})
	if err != nil {
		a.lease.release()
		a.db.Close()
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	a.leaseLost = make(chan struct{})
	a.lease.keepAlive(leaseHeartbeat, func() { close(a.leaseLost) })
	return a, nil
}

// Close stops the loops and releases the database. Safe after a partial run.
func (a *app) Close() {
	a.monitor.Stop()
	a.tracker.Stop()
	a.coordinator.Close()
	a.bus.Close()
	a.lease.release()
	if err := a.db.Close(); err != nil {
		logger.Warn("close database", "err", err)
	}
}
