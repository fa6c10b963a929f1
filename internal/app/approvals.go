package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"trade-control-plane/internal/state"
	"trade-control-plane/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	approvalKeyPrefix         = "approvals:"
	approvalCorrelationPrefix = "approval:"
	minTicketRefLen           = 6
)

var (
	ErrTicketNotFound  = errors.New("approval ticket not found")
	ErrTicketAmbiguous = errors.New("approval ticket reference is ambiguous")
)

// Ticket is a queued order waiting for an operator decision.
type Ticket struct {
	ID         string                 `json:"id"`
	StrategyID string                 `json:"strategy_id"`
	Order      strategy.ProposedOrder `json:"order"`
	CreatedAt  time.Time              `json:"created_at"`
}

type approvalQueue struct {
	store state.Store

	mu      sync.Mutex
	tickets map[string]Ticket
}

func newApprovalQueue(store state.Store) *approvalQueue {
	return &approvalQueue{store: store, tickets: make(map[string]Ticket)}
}

// load restores tickets persisted by a previous run.
func (q *approvalQueue) load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	raw, err := q.store.List(ctx, approvalKeyPrefix)
	if err != nil {
		return err
	}
	var errs []error
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, val := range raw {
		var t Ticket
		if err := json.Unmarshal([]byte(val), &t); err != nil || t.ID == "" {
			errs = append(errs, fmt.Errorf("%s: invalid ticket", key))
			continue
		}
		q.tickets[t.ID] = t
	}
	return errors.Join(errs...)
}

func (q *approvalQueue) add(ctx context.Context, strategyID string, order strategy.ProposedOrder, now time.Time) (Ticket, error) {
	t := Ticket{ID: uuid.NewString(), StrategyID: strategyID, Order: order, CreatedAt: now.UTC()}
	if err := q.put(ctx, t); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

func (q *approvalQueue) put(ctx context.Context, t Ticket) error {
	if err := state.SaveJSON(ctx, q.store, approvalKeyPrefix+t.ID, t); err != nil {
		return err
	}
	q.mu.Lock()
	q.tickets[t.ID] = t
	q.mu.Unlock()
	return nil
}

// take removes the ticket matching ref, which is a full id or a unique id prefix.
func (q *approvalQueue) take(ctx context.Context, ref string) (Ticket, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	q.mu.Lock()
	t, err := q.findLocked(ref)
	if err == nil {
		delete(q.tickets, t.ID)
	}
	q.mu.Unlock()
	if err != nil {
		return Ticket{}, err
	}
	if q.store != nil {
		if err := q.store.Delete(ctx, approvalKeyPrefix+t.ID); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (q *approvalQueue) findLocked(ref string) (Ticket, error) {
	if t, ok := q.tickets[ref]; ok {
		return t, nil
	}
	if len(ref) < minTicketRefLen {
		return Ticket{}, fmt.Errorf("%s: %w", ref, ErrTicketNotFound)
	}
	var match []Ticket
	for id, t := range q.tickets {
		if strings.HasPrefix(id, ref) {
			match = append(match, t)
		}
	}
	switch len(match) {
	case 0:
		return Ticket{}, fmt.Errorf("%s: %w", ref, ErrTicketNotFound)
	case 1:
		return match[0], nil
	default:
		return Ticket{}, fmt.Errorf("%s: %w", ref, ErrTicketAmbiguous)
	}
}

// list returns pending tickets oldest first.
func (q *approvalQueue) list() []Ticket {
	q.mu.Lock()
	out := make([]Ticket, 0, len(q.tickets))
	for _, t := range q.tickets {
		out = append(out, t)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// approve routes a queued order and books the resulting fill. A routing failure puts the
// ticket back so it can be retried.
func (a *App) approve(ctx context.Context, ref string) (Ticket, strategy.Fill, error) {
	t, err := a.approvals.take(ctx, ref)
	if err != nil {
		return Ticket{}, strategy.Fill{}, err
	}
	var fill strategy.Fill
	if router := a.tickRouter(); router == nil {
		fill = strategy.Fill{
			Ticker:    t.Order.Ticker,
			Side:      t.Order.Side,
			FilledUSD: t.Order.TradeNotional,
			Status:    "FILLED",
			TS:        a.now().Unix(),
		}
	} else {
		fill, _, err = a.router.Submit(ctx, approvalCorrelationPrefix+t.StrategyID+":"+t.ID, t.Order)
		if err != nil {
			if putErr := a.approvals.put(ctx, t); putErr != nil {
				a.log.Warn("approval ticket restore failed", zap.String("ticket", t.ID), zap.Error(putErr))
			}
			return t, strategy.Fill{}, err
		}
	}
	if fill.Notional() != 0 {
		if err := a.orchestrator.ApplyFills(ctx, t.StrategyID, []strategy.Fill{fill}); err != nil {
			return t, fill, err
		}
	}
	return t, fill, nil
}

func (a *App) reject(ctx context.Context, ref string) (Ticket, error) {
	return a.approvals.take(ctx, ref)
}
