package approval

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moat/moat/internal/model"
)

type mockRecorder struct {
	mu         sync.Mutex
	statuses   map[string]string
	insertErr  error
	resolveErr error
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{statuses: make(map[string]string)}
}

func (m *mockRecorder) InsertApproval(id, _, _ string, _ model.RiskClass, _, _ time.Time) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = "pending"
	return nil
}

func (m *mockRecorder) ResolveApproval(id, status, _ string) error {
	if m.resolveErr != nil {
		return m.resolveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = status
	return nil
}

func (m *mockRecorder) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[id]
}

func TestSubmitAndResolveApprovedGrantsToken(t *testing.T) {
	q := NewQueue(newMockRecorder(), nil)

	req := &Request{ID: "a1", TenantID: "tenant-1", CapabilityID: "cap-1", RiskClass: model.RiskHigh, Timeout: 5 * time.Second, TimeoutEffect: "deny"}

	done := make(chan struct{})
	var approved bool
	var token string
	go func() {
		approved, token, _ = q.Submit(context.Background(), req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.Len(t, q.ListPending(), 1)

	require.NoError(t, q.Resolve("a1", true, "operator@example.com"))
	<-done

	assert.True(t, approved)
	assert.NotEmpty(t, token)
	assert.True(t, q.Valid(context.Background(), "tenant-1", "cap-1", token))
	assert.False(t, q.Valid(context.Background(), "tenant-2", "cap-1", token), "a grant is scoped to the tenant it was issued for")
}

func TestSubmitAndResolveDeniedIssuesNoToken(t *testing.T) {
	q := NewQueue(newMockRecorder(), nil)
	req := &Request{ID: "a2", TenantID: "tenant-1", CapabilityID: "cap-1", Timeout: 5 * time.Second, TimeoutEffect: "deny"}

	done := make(chan struct{})
	var approved bool
	var token string
	go func() {
		approved, token, _ = q.Submit(context.Background(), req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Resolve("a2", false, "operator@example.com"))
	<-done

	assert.False(t, approved)
	assert.Empty(t, token)
}

func TestSubmitTimeoutDenyEffect(t *testing.T) {
	recorder := newMockRecorder()
	q := NewQueue(recorder, nil)
	req := &Request{ID: "a3", TenantID: "tenant-1", CapabilityID: "cap-1", Timeout: 500 * time.Millisecond, TimeoutEffect: "deny"}

	approved, token, err := q.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, approved)
	assert.Empty(t, token)
	assert.Equal(t, "timed_out", recorder.status("a3"))
}

func TestSubmitTimeoutAllowEffect(t *testing.T) {
	q := NewQueue(newMockRecorder(), nil)
	req := &Request{ID: "a4", TenantID: "tenant-1", CapabilityID: "cap-1", Timeout: 500 * time.Millisecond, TimeoutEffect: "allow"}

	approved, token, err := q.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, approved)
	assert.Empty(t, token, "allow-on-timeout is not the same as an operator grant; no token is issued")
}

func TestSubmitContextCancelled(t *testing.T) {
	q := NewQueue(newMockRecorder(), nil)
	req := &Request{ID: "a5", TenantID: "tenant-1", CapabilityID: "cap-1", Timeout: 10 * time.Second, TimeoutEffect: "deny"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var err error
	go func() {
		_, _, err = q.Submit(ctx, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, q.ListPending())
}

func TestResolveNotFound(t *testing.T) {
	q := NewQueue(newMockRecorder(), nil)
	err := q.Resolve("nonexistent", true, "admin")
	assert.EqualError(t, err, "approval nonexistent not found or already resolved")
}

func TestValidRejectsUnknownOrExpiredToken(t *testing.T) {
	q := NewQueue(newMockRecorder(), nil)
	assert.False(t, q.Valid(context.Background(), "tenant-1", "cap-1", "bogus"))
	assert.False(t, q.Valid(context.Background(), "tenant-1", "cap-1", ""))
}

func TestListPendingMultiple(t *testing.T) {
	q := NewQueue(newMockRecorder(), nil)
	for i := 1; i <= 3; i++ {
		req := &Request{ID: fmt.Sprintf("a-%d", i), TenantID: "tenant-1", CapabilityID: "cap-1", Timeout: 10 * time.Second, TimeoutEffect: "deny"}
		go func() { _, _, _ = q.Submit(context.Background(), req) }()
	}
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, q.ListPending(), 3)
}

func TestSubmitRecorderInsertError(t *testing.T) {
	recorder := newMockRecorder()
	recorder.insertErr = fmt.Errorf("database connection lost")
	q := NewQueue(recorder, nil)

	req := &Request{ID: "a-err", TenantID: "tenant-1", CapabilityID: "cap-1", Timeout: 5 * time.Second, TimeoutEffect: "deny"}
	_, _, err := q.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Empty(t, q.ListPending())
}
