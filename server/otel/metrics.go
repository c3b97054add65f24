// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel holds the engine's OpenTelemetry metric instruments. The
// meter provider is whatever the host process registered globally; with
// none registered the instruments are no-ops.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's metric instruments.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesPut      metric.Int64Counter
	messagesExpired  metric.Int64Counter
	deliveries       metric.Int64Counter
	confirms         metric.Int64Counter
	txCommitted      metric.Int64Counter
	txRolledBack     metric.Int64Counter
	txHeuristic      metric.Int64Counter
	errorsTotal      metric.Int64Counter
	publishesLimited metric.Int64Counter

	// UpDownCounters (gauges)
	clientsActive       metric.Int64UpDownCounter
	sessionsActive      metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter
	txInFlight          metric.Int64UpDownCounter

	// Histograms
	messageSize metric.Int64Histogram
	putDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("tranmq-engine"),
	}

	var err error

	m.messagesPut, err = m.meter.Int64Counter(
		"engine.messages.put.total",
		metric.WithDescription("Total messages accepted by put operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPut counter: %w", err)
	}

	m.messagesExpired, err = m.meter.Int64Counter(
		"engine.messages.expired.total",
		metric.WithDescription("Total buffered messages discarded on expiry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesExpired counter: %w", err)
	}

	m.deliveries, err = m.meter.Int64Counter(
		"engine.deliveries.total",
		metric.WithDescription("Total message deliveries to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.confirms, err = m.meter.Int64Counter(
		"engine.confirms.total",
		metric.WithDescription("Total delivery confirmations by option"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create confirms counter: %w", err)
	}

	m.txCommitted, err = m.meter.Int64Counter(
		"engine.transactions.committed.total",
		metric.WithDescription("Total committed transactions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create txCommitted counter: %w", err)
	}

	m.txRolledBack, err = m.meter.Int64Counter(
		"engine.transactions.rolledback.total",
		metric.WithDescription("Total rolled-back transactions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create txRolledBack counter: %w", err)
	}

	m.txHeuristic, err = m.meter.Int64Counter(
		"engine.transactions.heuristic.total",
		metric.WithDescription("Total heuristically completed transactions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create txHeuristic counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"engine.errors.total",
		metric.WithDescription("Total errors by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.publishesLimited, err = m.meter.Int64Counter(
		"engine.publishes.ratelimited.total",
		metric.WithDescription("Total publishes refused by rate limiting"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishesLimited counter: %w", err)
	}

	m.clientsActive, err = m.meter.Int64UpDownCounter(
		"engine.clients.active",
		metric.WithDescription("Current number of client-states"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientsActive gauge: %w", err)
	}

	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"engine.sessions.active",
		metric.WithDescription("Current number of sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"engine.subscriptions.active",
		metric.WithDescription("Current number of subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.txInFlight, err = m.meter.Int64UpDownCounter(
		"engine.transactions.inflight",
		metric.WithDescription("Current number of open transactions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create txInFlight gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"engine.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.putDuration, err = m.meter.Float64Histogram(
		"engine.put.duration.ms",
		metric.WithDescription("Put processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create putDuration histogram: %w", err)
	}

	return m, nil
}

// RecordPut records an accepted put.
func (m *Metrics) RecordPut(reliability byte, sizeBytes int64, durationMS float64) {
	ctx := context.Background()
	m.messagesPut.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("reliability", int(reliability)),
	))
	m.messageSize.Record(ctx, sizeBytes)
	m.putDuration.Record(ctx, durationMS)
}

// RecordExpired records buffered messages discarded on expiry.
func (m *Metrics) RecordExpired(n int64) {
	m.messagesExpired.Add(context.Background(), n)
}

// RecordDelivery records a delivery to a consumer.
func (m *Metrics) RecordDelivery() {
	m.deliveries.Add(context.Background(), 1)
}

// RecordConfirm records a delivery confirmation.
func (m *Metrics) RecordConfirm(option string) {
	m.confirms.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("option", option),
	))
}

// RecordCommit records a transaction commit.
func (m *Metrics) RecordCommit(global bool) {
	m.txCommitted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("global", global),
	))
}

// RecordRollback records a transaction rollback.
func (m *Metrics) RecordRollback(global bool) {
	m.txRolledBack.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("global", global),
	))
}

// RecordHeuristic records a heuristic completion.
func (m *Metrics) RecordHeuristic(commit bool) {
	m.txHeuristic.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("commit", commit),
	))
}

// RecordError records an error by kind.
func (m *Metrics) RecordError(kind string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordRateLimited records a rate-limited publish.
func (m *Metrics) RecordRateLimited() {
	m.publishesLimited.Add(context.Background(), 1)
}

// ClientAdded adjusts the client gauge up.
func (m *Metrics) ClientAdded() { m.clientsActive.Add(context.Background(), 1) }

// ClientRemoved adjusts the client gauge down.
func (m *Metrics) ClientRemoved() { m.clientsActive.Add(context.Background(), -1) }

// SessionAdded adjusts the session gauge up.
func (m *Metrics) SessionAdded() { m.sessionsActive.Add(context.Background(), 1) }

// SessionRemoved adjusts the session gauge down.
func (m *Metrics) SessionRemoved() { m.sessionsActive.Add(context.Background(), -1) }

// SubscriptionAdded adjusts the subscription gauge up.
func (m *Metrics) SubscriptionAdded() { m.subscriptionsActive.Add(context.Background(), 1) }

// SubscriptionRemoved adjusts the subscription gauge down.
func (m *Metrics) SubscriptionRemoved() { m.subscriptionsActive.Add(context.Background(), -1) }

// TransactionOpened adjusts the in-flight transaction gauge up.
func (m *Metrics) TransactionOpened() { m.txInFlight.Add(context.Background(), 1) }

// TransactionClosed adjusts the in-flight transaction gauge down.
func (m *Metrics) TransactionClosed() { m.txInFlight.Add(context.Background(), -1) }
