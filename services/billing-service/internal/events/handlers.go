// Package events wires the billing projections and subscription lifecycle to
// the member and contract event streams.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gymflow/gymflow/libs/consumer"
	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/inbox"
	"github.com/gymflow/gymflow/services/billing-service/internal/store"
)

// Register binds the billing handlers to the dispatcher. Each handler hands
// its Ack to the store so the ledger record commits with the mutation.
func Register(d *consumer.Dispatcher, s store.Store) {
	d.Handle(eventx.TypeMemberCreated, memberCreated(s))
	d.Handle(eventx.TypeMemberStatusChanged, memberStatusChanged(s))
	d.Handle(eventx.TypeContractCreated, contractCreated(s))
	d.Handle(eventx.TypeContractStatusChange, contractStatusChanged(s))
}

func memberCreated(s store.Store) consumer.Handler {
	return func(ctx context.Context, e eventx.Event, ack inbox.Ack) error {
		var p eventx.MemberCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		_, err := s.UpsertMemberProjection(ctx, store.UpsertMemberProjection{
			TenantID: e.TenantID,
			MemberID: p.MemberID,
			Name:     p.Name,
			Email:    p.Email,
			Status:   p.Status,
			Ack:      &ack,
		})
		return err
	}
}

func memberStatusChanged(s store.Store) consumer.Handler {
	return func(ctx context.Context, e eventx.Event, ack inbox.Ack) error {
		var p eventx.MemberStatusChangedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		_, err := s.SetMemberProjectionStatus(ctx, store.SetMemberProjectionStatus{
			TenantID: e.TenantID,
			MemberID: p.MemberID,
			Status:   p.To,
			Ack:      &ack,
		})
		// A status change for a member we never projected is stale history,
		// not an error worth blocking the partition over.
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
}

func contractCreated(s store.Store) consumer.Handler {
	return func(ctx context.Context, e eventx.Event, ack inbox.Ack) error {
		var p eventx.ContractCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		_, err := s.OpenSubscription(ctx, store.OpenSubscription{
			TenantID:   e.TenantID,
			ContractID: p.ContractID,
			MemberID:   p.MemberID,
			Plan:       p.PlanType,
			StartedAt:  p.StartDate,
			EndsAt:     p.EndDate,
			Ack:        &ack,
		})
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil
		}
		return err
	}
}

func contractStatusChanged(s store.Store) consumer.Handler {
	return func(ctx context.Context, e eventx.Event, ack inbox.Ack) error {
		var p eventx.ContractStatusChangedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		status, ok := subscriptionStatusFor(p.To)
		if !ok {
			return nil
		}
		_, err := s.TransitionSubscriptionStatus(ctx, store.TransitionSubscriptionStatus{
			TenantID:       e.TenantID,
			SubscriptionID: p.ContractID,
			Status:         status,
			Ack:            &ack,
		})
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil
		case errors.Is(err, store.ErrIllegalTransition):
			// Already terminal locally; the contract event carries no new
			// information for the subscription.
			return nil
		}
		return err
	}
}

func subscriptionStatusFor(contractStatus string) (store.SubscriptionStatus, bool) {
	switch contractStatus {
	case "expired":
		return store.SubscriptionExpired, true
	case "cancelled":
		return store.SubscriptionCancelled, true
	default:
		return "", false
	}
}
