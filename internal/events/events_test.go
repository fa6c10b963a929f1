package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu     sync.Mutex
	msgs   []published
	err    error
	closed bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func TestPublishUsesPrefixedSubject(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "controlplane.", nil)
	p.Publish(SubjectOrder, map[string]any{"id": "OMS-1"})

	require.Len(t, fc.msgs, 1)
	require.Equal(t, "controlplane.orders", fc.msgs[0].subject)
	var env struct {
		Kind string         `json:"kind"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(fc.msgs[0].data, &env))
	require.Equal(t, SubjectOrder, env.Kind)
	require.Equal(t, "OMS-1", env.Data["id"])
}

func TestPublishWithoutPrefix(t *testing.T) {
	p := newPublisher(&fakeConn{}, "", nil)
	require.Equal(t, "ticks", p.Subject(SubjectTick))
}

func TestPublishFailureIsCounted(t *testing.T) {
	fc := &fakeConn{err: errors.New("no responders")}
	p := newPublisher(fc, "cp", nil)
	p.Publish(SubjectFailover, "x")
	p.Publish(SubjectFailover, "y")
	require.Equal(t, 2, p.Failed())
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	require.NotPanics(t, func() {
		p.Publish(SubjectTick, nil)
		p.Close()
	})
	require.Zero(t, p.Failed())
}

func TestCloseDropsLaterEvents(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "cp", nil)
	p.Close()
	require.True(t, fc.closed)
	p.Publish(SubjectWatchdog, "late")
	require.Empty(t, fc.msgs)
}
