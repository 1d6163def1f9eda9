package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/handd/internal/correlation"
	"pkt.systems/handd/internal/slotstore"
)

type backend struct {
	inner  slotstore.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

type provisioningBackend struct {
	*backend
	prov slotstore.Provisioner
}

// Wrap decorates inner with spans and trace/debug logging. The result
// implements slotstore.Provisioner exactly when inner does.
func Wrap(inner slotstore.Store, logger pslog.Logger, sys string) slotstore.Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	b := &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/handd/slotstore"),
		sys:    sys,
	}
	if prov, ok := inner.(slotstore.Provisioner); ok {
		return &provisioningBackend{backend: b, prov: prov}
	}
	return b
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	ctx, span := b.tracer.Start(ctx, "handd.store."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("handd.store.operation", op),
		attribute.String("handd.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("handd.correlation_id", corr))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store_error")
			span.SetAttributes(attribute.Bool("handd.store.transient", slotstore.IsTransient(err)))
			return
		}
		span.SetStatus(codes.Ok, "")
	}
}

func (b *backend) List(ctx context.Context) ([]slotstore.Entry, error) {
	ctx, span, logger, finish := b.start(ctx, "list")
	defer span.End()
	begin := time.Now()
	logger.Trace("store.list.begin")
	entries, err := b.inner.List(ctx)
	finish(err)
	if err != nil {
		logger.Debug("store.list.error", "error", err, "transient", slotstore.IsTransient(err), "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("handd.store.count", len(entries)))
	logger.Trace("store.list.success", "count", len(entries), "elapsed", time.Since(begin))
	return entries, nil
}

func (b *backend) Get(ctx context.Context, key string) (slotstore.Record, error) {
	ctx, span, logger, finish := b.start(ctx, "get")
	defer span.End()
	begin := time.Now()
	span.SetAttributes(attribute.String("handd.store.key", key))
	logger.Trace("store.get.begin", "key", key)
	rec, err := b.inner.Get(ctx, key)
	finish(err)
	if err != nil {
		logger.Debug("store.get.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Trace("store.get.success", "key", key, "fields", len(rec), "elapsed", time.Since(begin))
	return rec, nil
}

func (b *backend) Update(ctx context.Context, key string, patch slotstore.Patch) error {
	ctx, span, logger, finish := b.start(ctx, "update")
	defer span.End()
	begin := time.Now()
	fields := patch.Fields()
	span.SetAttributes(
		attribute.String("handd.store.key", key),
		attribute.StringSlice("handd.store.fields", fields),
	)
	logger.Trace("store.update.begin", "key", key, "fields", fields)
	err := b.inner.Update(ctx, key, patch)
	finish(err)
	if err != nil {
		logger.Debug("store.update.error", "key", key, "fields", fields, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("store.update.success", "key", key, "fields", fields, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (p *provisioningBackend) Create(ctx context.Context, key string, rec slotstore.Record) error {
	ctx, span, logger, finish := p.start(ctx, "create")
	defer span.End()
	begin := time.Now()
	span.SetAttributes(attribute.String("handd.store.key", key))
	err := p.prov.Create(ctx, key, rec)
	finish(err)
	if err != nil {
		logger.Debug("store.create.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("store.create.success", "key", key, "elapsed", time.Since(begin))
	return nil
}
