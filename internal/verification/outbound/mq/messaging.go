package mq

import (
	"context"
	"encoding/json"

	"github.com/koderena/koderena/internal/pkg/instrument"
	"github.com/koderena/koderena/internal/pkg/messaging"
	"github.com/koderena/koderena/internal/shared/event"
	"github.com/koderena/koderena/internal/verification/usecase"
	"go.opentelemetry.io/otel/codes"
)

const keyOfCorrelationID string = "cID"

type Messaging struct {
	client messaging.Messaging
	ins    instrument.Instrumentation
}

func NewMessaging(client messaging.Messaging, ins instrument.Instrumentation) *Messaging {
	return &Messaging{client: client, ins: ins}
}

func (m *Messaging) PublishOtpIssued(ctx context.Context, msg usecase.OtpIssuedEvent) error {
	ctx, span := m.ins.Tracer("verification.outbound.mq").Start(ctx, "PublishOtpIssued")
	defer span.End()

	body, err := json.Marshal(event.OtpIssuedMessage{
		Email:     msg.Email,
		Action:    msg.Action.String(),
		ExpiresAt: msg.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	cID := instrument.GetCorrelationID(ctx)
	if _, err := m.client.Publish(ctx, event.OtpIssuedDestination, messaging.OutgoingMessage{
		Body:    body,
		Headers: []messaging.Header{{Key: keyOfCorrelationID, Value: []byte(cID)}},
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (m *Messaging) PublishOtpVerified(ctx context.Context, msg usecase.OtpVerifiedEvent) error {
	ctx, span := m.ins.Tracer("verification.outbound.mq").Start(ctx, "PublishOtpVerified")
	defer span.End()

	body, err := json.Marshal(event.OtpVerifiedMessage{
		Email:  msg.Email,
		Action: msg.Action.String(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	cID := instrument.GetCorrelationID(ctx)
	if _, err := m.client.Publish(ctx, event.OtpVerifiedDestination, messaging.OutgoingMessage{
		Body:    body,
		Headers: []messaging.Header{{Key: keyOfCorrelationID, Value: []byte(cID)}},
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}
