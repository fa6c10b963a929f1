package oms

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"trade-control-plane/internal/state"
)

const journalPrefix = "oms:order:"

// Journal persists msgpack-encoded orders under a per-process session.
type Journal struct {
	store   state.Store
	session string
}

func NewJournal(store state.Store, session string) *Journal {
	if strings.TrimSpace(session) == "" {
		session = uuid.NewString()
	}
	return &Journal{store: store, session: session}
}

func (j *Journal) Session() string {
	if j == nil {
		return ""
	}
	return j.session
}

func (j *Journal) Record(ctx context.Context, order Order) error {
	if j == nil || j.store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(&order)
	if err != nil {
		return err
	}
	return j.store.Set(ctx, j.key(order.ID), string(payload))
}

// Orders decodes every order journaled under this session, sorted by submission time.
func (j *Journal) Orders(ctx context.Context) ([]Order, error) {
	if j == nil || j.store == nil {
		return nil, nil
	}
	entries, err := j.store.List(ctx, journalPrefix+j.session+":")
	if err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(entries))
	for _, raw := range entries {
		var order Order
		if err := msgpack.Unmarshal([]byte(raw), &order); err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].SubmittedAt.Equal(out[k].SubmittedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].SubmittedAt.Before(out[k].SubmittedAt)
	})
	return out, nil
}

func (j *Journal) key(orderID string) string {
	return journalPrefix + j.session + ":" + orderID
}
