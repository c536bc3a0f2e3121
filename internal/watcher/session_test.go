package watcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/DBCDK/deploy-notifier/internal/filter"
	"github.com/DBCDK/deploy-notifier/internal/store"
	"github.com/DBCDK/deploy-notifier/internal/testutil"
	"github.com/DBCDK/deploy-notifier/internal/types"
)

// recordingSender captures messages and optionally fails.
type recordingSender struct {
	messages chan string
	err      error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{messages: make(chan string, 16)}
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) Send(_ context.Context, text string) error {
	if r.err != nil {
		return r.err
	}
	r.messages <- text
	return nil
}

// memoryStore is a Store backed by a map.
type memoryStore struct {
	mu     sync.Mutex
	tables map[string]types.EventTable
	putErr error
	puts   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tables: map[string]types.EventTable{}}
}

func (m *memoryStore) Name() string { return "memory" }

func (m *memoryStore) Get(_ context.Context, ns string) types.EventTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[ns]; ok {
		return t.Clone()
	}
	return types.EventTable{}
}

func (m *memoryStore) Put(_ context.Context, ns string, table types.EventTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.tables[ns] = table.Clone()
	return nil
}

func (m *memoryStore) snapshot(ns string) (types.EventTable, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[ns].Clone(), m.puts
}

// fakeCluster wires a fake clientset to a sequence of controlled watchers.
type fakeCluster struct {
	client     *fake.Clientset
	watchers   []*watch.FakeWatcher
	listCalls  atomic.Int32
	watchCalls atomic.Int32

	mu             sync.Mutex
	watchVersions  []string
	watchSelectors []string
}

func newFakeCluster(watchers int) *fakeCluster {
	fc := &fakeCluster{client: fake.NewSimpleClientset()}
	for range watchers {
		fc.watchers = append(fc.watchers, watch.NewFake())
	}
	fc.client.PrependReactor("list", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		fc.listCalls.Add(1)
		return false, nil, nil
	})
	fc.client.PrependWatchReactor("deployments", func(action k8stesting.Action) (bool, watch.Interface, error) {
		i := int(fc.watchCalls.Add(1)) - 1
		restrictions := action.(k8stesting.WatchAction).GetWatchRestrictions()
		fc.mu.Lock()
		fc.watchVersions = append(fc.watchVersions, restrictions.ResourceVersion)
		fc.watchSelectors = append(fc.watchSelectors, restrictions.Labels.String())
		fc.mu.Unlock()
		return true, fc.watchers[min(i, len(fc.watchers)-1)], nil
	})
	return fc
}

func (fc *fakeCluster) versions() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.watchVersions...)
}

// testSessionOptions keeps reopen pauses short so recovery paths run quickly.
func testSessionOptions() SessionOptions {
	opts := DefaultSessionOptions()
	opts.RetryDelay = time.Millisecond
	opts.MaxRetryDelay = 5 * time.Millisecond
	return opts
}

type runResult struct {
	session *Session
	errCh   chan error
	cancel  context.CancelFunc
}

func startSession(t *testing.T, fc *fakeCluster, ns string, deps SessionDeps, opts SessionOptions) *runResult {
	t.Helper()
	s := NewSession(fc.client, ns, deps, zap.NewNop(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return &runResult{session: s, errCh: errCh, cancel: cancel}
}

func (r *runResult) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	return r.wait(t)
}

func (r *runResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not return")
		return nil
	}
}

func expectMessage(t *testing.T, sender *recordingSender, want string) {
	t.Helper()
	select {
	case got := <-sender.messages:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message %q", want)
	}
}

func expectNoMessage(t *testing.T, sender *recordingSender) {
	t.Helper()
	select {
	case got := <-sender.messages:
		t.Fatalf("unexpected message %q", got)
	default:
	}
}

func TestSession_ProdScenario(t *testing.T) {
	fc := newFakeCluster(1)
	w := fc.watchers[0]
	st := newMemoryStore()
	sender := newRecordingSender()

	run := startSession(t, fc, "prod", SessionDeps{Store: st, Sender: sender}, testSessionOptions())

	w.Modify(testutil.MakeDeployment("prod", "api", 3, 2, "api:v1"))
	w.Modify(testutil.MakeDeployment("prod", "api", 3, 3, "api:v1"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v1")

	w.Modify(testutil.MakeDeployment("prod", "api", 3, 3, "api:v1"))
	w.Modify(testutil.MakeDeployment("prod", "api", 3, 3, "api:v2"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v2")

	w.Delete(testutil.MakeDeployment("prod", "api", 3, 3, "api:v2"))
	expectMessage(t, sender, "api deleted from prod")

	assert.ErrorIs(t, run.stop(t), context.Canceled)
	expectNoMessage(t, sender)

	table, puts := st.snapshot("prod")
	assert.Equal(t, 3, puts, "only emitted transitions are persisted")
	require.Contains(t, table, "api")
	assert.Equal(t, types.ChangeDeleted, table["api"].ChangeType)
	assert.Equal(t, []string{"api:v2"}, table["api"].Snapshot.Images)
	assert.True(t, table.Equal(run.session.Table()))
}

func TestSession_RestartContinuity(t *testing.T) {
	st := newMemoryStore()

	// First process lifetime.
	fc1 := newFakeCluster(1)
	sender1 := newRecordingSender()
	run1 := startSession(t, fc1, "prod", SessionDeps{Store: st, Sender: sender1}, testSessionOptions())
	fc1.watchers[0].Modify(testutil.MakeDeployment("prod", "api", 2, 2, "api:v7"))
	expectMessage(t, sender1, "api deployed to prod\nImage: api:v7")
	require.ErrorIs(t, run1.stop(t), context.Canceled)

	// Second lifetime replays the same state, then a new one.
	fc2 := newFakeCluster(1)
	sender2 := newRecordingSender()
	run2 := startSession(t, fc2, "prod", SessionDeps{Store: st, Sender: sender2}, testSessionOptions())
	fc2.watchers[0].Add(testutil.MakeDeployment("prod", "web", 1, 1, "web:v1"))
	expectMessage(t, sender2, "web deployed to prod\nImage: web:v1")
	fc2.watchers[0].Modify(testutil.MakeDeployment("prod", "api", 2, 2, "api:v7"))
	fc2.watchers[0].Modify(testutil.MakeDeployment("prod", "api", 2, 2, "api:v8"))
	expectMessage(t, sender2, "api deployed to prod\nImage: api:v8")
	require.ErrorIs(t, run2.stop(t), context.Canceled)
}

func TestSession_UnreadableStoreStartsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	httpStore, err := store.NewHTTPStore(zap.NewNop(), store.HTTPStoreConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	fc := newFakeCluster(1)
	sender := newRecordingSender()
	run := startSession(t, fc, "prod", SessionDeps{Store: httpStore, Sender: sender}, testSessionOptions())

	fc.watchers[0].Modify(testutil.MakeDeployment("prod", "api", 1, 1, "api:v1"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v1")

	// The write failed too; the in-memory table still suppresses the repeat.
	fc.watchers[0].Modify(testutil.MakeDeployment("prod", "api", 1, 1, "api:v1"))
	fc.watchers[0].Modify(testutil.MakeDeployment("prod", "web", 1, 1, "web:v1"))
	expectMessage(t, sender, "web deployed to prod\nImage: web:v1")

	assert.ErrorIs(t, run.stop(t), context.Canceled)
}

func TestSession_PutFailureIsNotFatal(t *testing.T) {
	fc := newFakeCluster(1)
	st := newMemoryStore()
	st.putErr = errors.New("store unavailable")
	sender := newRecordingSender()

	run := startSession(t, fc, "prod", SessionDeps{Store: st, Sender: sender}, testSessionOptions())
	fc.watchers[0].Add(testutil.MakeDeployment("prod", "api", 1, 1, "api:v1"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v1")
	fc.watchers[0].Modify(testutil.MakeDeployment("prod", "api", 1, 1, "api:v2"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v2")

	assert.ErrorIs(t, run.stop(t), context.Canceled)
	_, puts := st.snapshot("prod")
	assert.Equal(t, 2, puts)
}

func TestSession_SendFailureEndsSession(t *testing.T) {
	fc := newFakeCluster(1)
	st := newMemoryStore()
	sender := newRecordingSender()
	sender.err = errors.New("invalid_auth")

	run := startSession(t, fc, "prod", SessionDeps{Store: st, Sender: sender}, testSessionOptions())
	fc.watchers[0].Add(testutil.MakeDeployment("prod", "api", 1, 1, "api:v1"))

	err := run.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify recording for prod/api")
	assert.Contains(t, err.Error(), "invalid_auth")

	table, _ := st.snapshot("prod")
	assert.Contains(t, table, "api", "the table is persisted before sending")
}

func TestSession_NilStoreDisablesPersistence(t *testing.T) {
	fc := newFakeCluster(1)
	sender := newRecordingSender()
	run := startSession(t, fc, "prod", SessionDeps{Sender: sender}, SessionOptions{})

	fc.watchers[0].Add(testutil.MakeDeployment("prod", "api", 1, 1, "api:v1"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v1")
	assert.ErrorIs(t, run.stop(t), context.Canceled)
}

func TestSession_ExpiredCursorRelists(t *testing.T) {
	fc := newFakeCluster(2)
	sender := newRecordingSender()
	run := startSession(t, fc, "prod", SessionDeps{Sender: sender}, testSessionOptions())

	fc.watchers[0].Error(&metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusGone,
		Reason:  metav1.StatusReasonExpired,
		Message: "too old resource version: 100 (200)",
	})
	fc.watchers[1].Modify(testutil.MakeDeployment("prod", "api", 1, 1, "api:v1"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v1")

	assert.ErrorIs(t, run.stop(t), context.Canceled)
	assert.Equal(t, int32(2), fc.listCalls.Load())
	assert.Equal(t, int32(2), fc.watchCalls.Load())
}

func TestSession_GoneWithoutResyncEndsSession(t *testing.T) {
	fc := newFakeCluster(1)
	opts := testSessionOptions()
	opts.ResyncOnExpiry = false
	run := startSession(t, fc, "prod", SessionDeps{Sender: newRecordingSender()}, opts)

	fc.watchers[0].Error(&metav1.Status{
		Status: metav1.StatusFailure,
		Code:   http.StatusGone,
		Reason: metav1.StatusReasonGone,
	})

	err := run.wait(t)
	require.Error(t, err)
	assert.True(t, apierrors.IsGone(err))
	assert.Contains(t, err.Error(), "watch deployments in prod")
}

func TestSession_WatchErrorEventEndsSession(t *testing.T) {
	fc := newFakeCluster(1)
	run := startSession(t, fc, "prod", SessionDeps{Sender: newRecordingSender()}, testSessionOptions())

	fc.watchers[0].Error(&metav1.Status{
		Status: metav1.StatusFailure,
		Code:   http.StatusForbidden,
		Reason: metav1.StatusReasonForbidden,
	})

	err := run.wait(t)
	require.Error(t, err)
	assert.True(t, apierrors.IsForbidden(err))
	assert.Equal(t, int32(1), fc.listCalls.Load())
}

func TestSession_ClosedWatchResumesFromLastVersion(t *testing.T) {
	fc := newFakeCluster(2)
	sender := newRecordingSender()
	run := startSession(t, fc, "prod", SessionDeps{Sender: sender}, testSessionOptions())

	fc.watchers[0].Modify(testutil.WithResourceVersion(testutil.MakeDeployment("prod", "api", 1, 1, "api:v1"), "42"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v1")
	fc.watchers[0].Stop()

	fc.watchers[1].Action(watch.Bookmark, &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{ResourceVersion: "57"}})
	fc.watchers[1].Modify(testutil.MakeDeployment("prod", "web", 1, 1, "web:v1"))
	expectMessage(t, sender, "web deployed to prod\nImage: web:v1")

	assert.ErrorIs(t, run.stop(t), context.Canceled)
	assert.Equal(t, int32(1), fc.listCalls.Load(), "a closed watch does not re-list")
	assert.Equal(t, []string{"", "42"}, fc.versions())
}

func TestSession_BookmarkAdvancesCursor(t *testing.T) {
	fc := newFakeCluster(2)
	sender := newRecordingSender()
	run := startSession(t, fc, "prod", SessionDeps{Sender: sender}, testSessionOptions())

	fc.watchers[0].Action(watch.Bookmark, &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{ResourceVersion: "99"}})
	fc.watchers[0].Stop()
	fc.watchers[1].Add(testutil.MakeDeployment("prod", "api", 1, 1, "api:v1"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v1")

	assert.ErrorIs(t, run.stop(t), context.Canceled)
	assert.Equal(t, []string{"", "99"}, fc.versions())
}

func TestSession_LabelSelectorPassedToWatch(t *testing.T) {
	fc := newFakeCluster(1)
	opts := testSessionOptions()
	opts.LabelSelector = "notify=true"
	run := startSession(t, fc, "prod", SessionDeps{Sender: newRecordingSender()}, opts)

	require.Eventually(t, func() bool { return fc.watchCalls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, run.stop(t), context.Canceled)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, []string{"notify=true"}, fc.watchSelectors)
}

func TestSession_ListFailure(t *testing.T) {
	fc := newFakeCluster(1)
	fc.client.PrependReactor("list", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("connection refused")
	})

	s := NewSession(fc.client, "prod", SessionDeps{Sender: newRecordingSender()}, zap.NewNop(), testSessionOptions())
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list deployments in prod")
	assert.Equal(t, int32(0), fc.watchCalls.Load())
}

func TestSession_WatchCallFailure(t *testing.T) {
	fc := newFakeCluster(1)
	fc.client.PrependWatchReactor("deployments", func(k8stesting.Action) (bool, watch.Interface, error) {
		return true, nil, apierrors.NewUnauthorized("token expired")
	})

	s := NewSession(fc.client, "prod", SessionDeps{Sender: newRecordingSender()}, zap.NewNop(), testSessionOptions())
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apierrors.IsUnauthorized(err))
}

func TestSession_TimeWindowStrategy(t *testing.T) {
	fc := newFakeCluster(1)
	sender := newRecordingSender()
	opts := testSessionOptions()
	opts.Filter = filter.New(filter.Options{Strategy: filter.TimeWindow{Window: time.Hour}})

	run := startSession(t, fc, "prod", SessionDeps{Sender: sender}, opts)
	fc.watchers[0].Modify(testutil.MakeDeployment("prod", "api", 1, 1, "api:v1"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v1")
	fc.watchers[0].Modify(testutil.MakeDeployment("prod", "api", 1, 1, "api:v2"))
	fc.watchers[0].Modify(testutil.MakeDeployment("prod", "web", 1, 1, "web:v1"))
	expectMessage(t, sender, "web deployed to prod\nImage: web:v1")

	assert.ErrorIs(t, run.stop(t), context.Canceled)
}

func TestSession_ClosedWatchesBackOff(t *testing.T) {
	client := fake.NewSimpleClientset()
	var watchCalls atomic.Int32
	client.PrependWatchReactor("deployments", func(k8stesting.Action) (bool, watch.Interface, error) {
		watchCalls.Add(1)
		w := watch.NewFake()
		w.Stop()
		return true, w, nil
	})

	opts := DefaultSessionOptions()
	opts.RetryDelay = 20 * time.Millisecond
	opts.MaxRetryDelay = 80 * time.Millisecond
	s := NewSession(client, "prod", SessionDeps{Sender: newRecordingSender()}, zap.NewNop(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)

	// 20+40+80+80 ms of pauses fit before the deadline; allow for jitter and scheduling.
	calls := watchCalls.Load()
	assert.GreaterOrEqual(t, calls, int32(2))
	assert.LessOrEqual(t, calls, int32(8))
}

func TestSession_ExpiredCursorsBackOff(t *testing.T) {
	client := fake.NewSimpleClientset()
	var listCalls atomic.Int32
	client.PrependReactor("list", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		listCalls.Add(1)
		return false, nil, nil
	})
	client.PrependWatchReactor("deployments", func(k8stesting.Action) (bool, watch.Interface, error) {
		return true, nil, apierrors.NewResourceExpired("too old resource version")
	})

	opts := DefaultSessionOptions()
	opts.RetryDelay = 20 * time.Millisecond
	opts.MaxRetryDelay = 80 * time.Millisecond
	s := NewSession(client, "prod", SessionDeps{Sender: newRecordingSender()}, zap.NewNop(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)

	calls := listCalls.Load()
	assert.GreaterOrEqual(t, calls, int32(2))
	assert.LessOrEqual(t, calls, int32(8))
}

func TestSession_CancelDuringReopenPause(t *testing.T) {
	fc := newFakeCluster(2)
	opts := DefaultSessionOptions()
	opts.RetryDelay = time.Hour
	opts.MaxRetryDelay = time.Hour
	run := startSession(t, fc, "prod", SessionDeps{Sender: newRecordingSender()}, opts)

	require.Eventually(t, func() bool { return fc.watchCalls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	fc.watchers[0].Stop()

	assert.ErrorIs(t, run.stop(t), context.Canceled)
	assert.Equal(t, int32(1), fc.watchCalls.Load(), "no reopen while paused")
}

func TestSession_EventResetsReopenDelay(t *testing.T) {
	fc := newFakeCluster(4)
	sender := newRecordingSender()
	core, logs := observer.New(zapcore.DebugLevel)
	opts := DefaultSessionOptions()
	opts.RetryDelay = 50 * time.Millisecond
	opts.MaxRetryDelay = time.Hour

	s := NewSession(fc.client, "prod", SessionDeps{Sender: sender}, zap.New(core), opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	// Two empty watches grow the delay, a productive one resets it.
	fc.watchers[0].Stop()
	fc.watchers[1].Stop()
	fc.watchers[2].Add(testutil.MakeDeployment("prod", "api", 1, 1, "api:v1"))
	expectMessage(t, sender, "api deployed to prod\nImage: api:v1")
	fc.watchers[2].Stop()
	require.Eventually(t, func() bool { return fc.watchCalls.Load() == 4 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not return")
	}

	reopens := logs.FilterMessage("Watch closed by server, reopening").All()
	require.Len(t, reopens, 3)
	delays := make([]time.Duration, len(reopens))
	for i, e := range reopens {
		delays[i] = e.ContextMap()["delay"].(time.Duration)
	}
	assert.Less(t, delays[0], 60*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 100*time.Millisecond)
	assert.Less(t, delays[2], 60*time.Millisecond, "a delivered event resets the backoff")
}
