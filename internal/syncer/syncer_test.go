package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/handybridge/relayd/internal/blobcache"
	"github.com/handybridge/relayd/internal/bus"
	"github.com/handybridge/relayd/internal/config"
	"github.com/handybridge/relayd/internal/netclient"
	"github.com/handybridge/relayd/internal/resolver"
	"github.com/handybridge/relayd/internal/status"
	"github.com/handybridge/relayd/internal/store"
	"github.com/handybridge/relayd/internal/target"
	"github.com/handybridge/relayd/internal/wire"
)

// fakeSource scripts the polled endpoint: GETs pop queued responses,
// POSTs are recorded for ack/report assertions.
type fakeSource struct {
	mu        sync.Mutex
	responses []sourceResponse
	posts     []string
	gets      int
	postDelay time.Duration
}

type sourceResponse struct {
	status int
	body   string
}

func (f *fakeSource) push(body string) {
	f.mu.Lock()
	f.responses = append(f.responses, sourceResponse{status: 200, body: body})
	f.mu.Unlock()
}

func (f *fakeSource) pushStatus(status int) {
	f.mu.Lock()
	f.responses = append(f.responses, sourceResponse{status: status})
	f.mu.Unlock()
}

func (f *fakeSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		f.mu.Lock()
		delay := f.postDelay
		f.mu.Unlock()
		time.Sleep(delay)
		data, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.posts = append(f.posts, string(data))
		f.mu.Unlock()
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if len(f.responses) == 0 {
		_, _ = w.Write([]byte("[]"))
		return
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if resp.status != 200 {
		http.Error(w, "source error", resp.status)
		return
	}
	_, _ = w.Write([]byte(resp.body))
}

func (f *fakeSource) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

type fakeDeliverer struct {
	mu       sync.Mutex
	payloads []*target.Payload
	err      error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, p *target.Payload, autoOpenURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeDeliverer) last() *target.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return nil
	}
	return f.payloads[len(f.payloads)-1]
}

type testRig struct {
	syncer    *Syncer
	db        *store.DB
	source    *fakeSource
	deliverer *fakeDeliverer
	machine   *status.Machine
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	source := &fakeSource{}
	srv := httptest.NewServer(source)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())

	cfg := config.Default()
	cfg.Host = u.Hostname()
	cfg.Port = port
	cfg.Path = "/"
	cfg.Timeout = config.Duration(time.Second)
	cfg.AttachmentTimeout = config.Duration(time.Second)
	cfg.AttachmentRetryDelay = config.Duration(time.Millisecond)

	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	client := netclient.New(db, logger)
	cache := blobcache.New(db, cfg.CacheTTL.Std(), cfg.CacheMaxEntries, logger)
	res := resolver.New(client, cache, resolver.Settings{
		Timeout:     cfg.AttachmentTimeout.Std(),
		RetryLimit:  cfg.AttachmentRetryLimit,
		RetryDelay:  cfg.AttachmentRetryDelay.Std(),
		Concurrency: cfg.AttachmentConcurrency,
	}, logger)
	deliverer := &fakeDeliverer{}
	machine := status.NewMachine(nil)

	s := New(cfg, db, client, res, cache, deliverer, machine, bus.New(), logger)
	return &testRig{syncer: s, db: db, source: source, deliverer: deliverer, machine: machine}
}

func TestTextMessageDeliveredOnceAndDeduped(t *testing.T) {
	rig := newTestRig(t)
	body := `{"messages":[{"id":"m1","ts":1000,"text":"hello"}],"cursor":"c1"}`
	rig.source.push(body)
	rig.source.push(body) // source re-sends the identical message

	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if rig.deliverer.count() != 1 {
		t.Errorf("deliveries = %d, want 1 (dedupe must hold)", rig.deliverer.count())
	}
	m, err := rig.db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryStatus != target.StatusQueued {
		t.Errorf("deliveryStatus = %q, want queued", m.DeliveryStatus)
	}
	if cursor, _ := rig.db.Cursor(); cursor != "c1" {
		t.Errorf("cursor = %q, want c1", cursor)
	}
	if rig.machine.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", rig.machine.Current())
	}
}

func TestBundleResolvedAndDelivered(t *testing.T) {
	att := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("img"))
	}))
	defer att.Close()

	rig := newTestRig(t)
	rig.source.push(fmt.Sprintf(
		`{"messages":[{"id":"m1","ts":1000,"text":"pic","attachments":[{"attId":"a1","kind":"image","fetch":{"url":"%s"}}]}]}`,
		att.URL))

	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	p := rig.deliverer.last()
	if p == nil {
		t.Fatal("bundle not delivered")
	}
	if len(p.Attachments) != 1 || string(p.Attachments[0].Data) != "img" {
		t.Errorf("payload attachments = %+v", p.Attachments)
	}
	if p.Status != wire.StatusOK {
		t.Errorf("payload status = %q", p.Status)
	}

	m, err := rig.db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != wire.StatusOK || m.DeliveryStatus != target.StatusQueued {
		t.Errorf("message = status %q delivery %q", m.Status, m.DeliveryStatus)
	}
	bundles, _ := rig.db.ListPendingBundles()
	if len(bundles) != 0 {
		t.Errorf("pending bundles = %d, want 0 after terminal outcome", len(bundles))
	}
}

func TestBundleRetryBudgetThenTerminalError(t *testing.T) {
	att := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer att.Close()

	rig := newTestRig(t)
	rig.source.push(fmt.Sprintf(
		`{"messages":[{"id":"m1","ts":1000,"text":"pic","attachments":[{"attId":"a1","fetch":{"url":"%s"}}]}]}`,
		att.URL))

	// Cycle 1: seed + first failed attempt.
	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	b, err := rig.db.GetPendingBundle("m1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Attempts["a1"] != 1 {
		t.Fatalf("attempts after cycle 1 = %+v", b.Attempts)
	}
	m, _ := rig.db.GetMessage("m1")
	if m.Status != wire.StatusPending {
		t.Errorf("status = %q, want pending", m.Status)
	}

	// Cycle 2: second failed attempt. Cycle 3: budget exhausted, terminal.
	time.Sleep(5 * time.Millisecond)
	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	m, err = rig.db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != wire.StatusError {
		t.Fatalf("status = %q, want error", m.Status)
	}
	if len(m.Errors) != 1 || m.Errors[0].Code != resolver.CodeRetryExhausted {
		t.Errorf("errors = %+v", m.Errors)
	}
	if m.DeliveryStatus != "bundle_error" {
		t.Errorf("deliveryStatus = %q, want bundle_error", m.DeliveryStatus)
	}
	if bundles, _ := rig.db.ListPendingBundles(); len(bundles) != 0 {
		t.Error("terminal bundle still pending")
	}
}

func TestFailedFetchKeepsCursorAndDegrades(t *testing.T) {
	rig := newTestRig(t)
	rig.source.push(`{"messages":[],"cursor":"c1"}`)
	rig.source.pushStatus(http.StatusBadGateway)

	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rig.syncer.PollOnce(context.Background()); err == nil {
		t.Fatal("expected cycle failure")
	}

	if cursor, _ := rig.db.Cursor(); cursor != "c1" {
		t.Errorf("cursor = %q, want c1 untouched by failed cycle", cursor)
	}
	if rig.machine.Current() != status.Degraded {
		t.Errorf("state = %s, want DEGRADED", rig.machine.Current())
	}
	if rig.machine.LastError() == "" {
		t.Error("lastError not recorded")
	}

	// Recovery on the next good cycle.
	rig.source.push(`{"messages":[],"cursor":"c2"}`)
	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rig.machine.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED after recovery", rig.machine.Current())
	}
}

func TestUnboundThenExplicitRetryDelivers(t *testing.T) {
	rig := newTestRig(t)
	rig.deliverer.err = &target.DeliveryError{Reason: target.ReasonUnbound}
	rig.source.push(`{"messages":[{"id":"m1","ts":1000,"text":"hi"}]}`)

	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	m, err := rig.db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryStatus != target.ReasonUnbound {
		t.Fatalf("deliveryStatus = %q, want unbound", m.DeliveryStatus)
	}

	// Destination bound; explicit retry must deliver.
	rig.deliverer.mu.Lock()
	rig.deliverer.err = nil
	rig.deliverer.mu.Unlock()
	if err := rig.syncer.Retry(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}

	m, _ = rig.db.GetMessage("m1")
	if m.DeliveryStatus != target.StatusQueued {
		t.Errorf("deliveryStatus = %q, want queued after retry", m.DeliveryStatus)
	}
	if m.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", m.RetryCount)
	}
	if rig.deliverer.count() != 1 {
		t.Errorf("deliveries = %d, want 1", rig.deliverer.count())
	}
}

func TestRetryBundleReseedsWithFreshBudget(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.db.UpsertMessage(&store.Message{
		ID: "m1", TS: 1000, Text: "pic", Type: wire.TypeBundle,
		Attachments: []wire.Attachment{{AttID: "a1", Fetch: wire.FetchSpec{URL: "http://x/a"}}},
		Status:      wire.StatusError,
		Errors:      []wire.AttachmentError{{AttID: "a1", Code: resolver.CodeRetryExhausted}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := rig.syncer.Retry(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}

	b, err := rig.db.GetPendingBundle("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Attempts) != 0 || b.LastAttemptAt != 0 {
		t.Errorf("re-seeded bundle = %+v, want fresh budget", b)
	}
	m, _ := rig.db.GetMessage("m1")
	if m.Status != wire.StatusPending || len(m.Errors) != 0 {
		t.Errorf("message = status %q errors %+v", m.Status, m.Errors)
	}
	if m.RetryCount != 1 {
		t.Errorf("retryCount = %d", m.RetryCount)
	}
}

func TestRetryUnknownMessage(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.syncer.Retry(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSingleFlightGuard(t *testing.T) {
	rig := newTestRig(t)
	rig.syncer.inFlight.Store(true)

	if err := rig.syncer.PollOnce(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("PollOnce err = %v, want ErrBusy", err)
	}
	if err := rig.syncer.Retry(context.Background(), "m1"); !errors.Is(err, ErrBusy) {
		t.Errorf("Retry err = %v, want ErrBusy", err)
	}
}

func TestKeepaliveAckedNotStored(t *testing.T) {
	rig := newTestRig(t)
	rig.source.push(`{"messages":[{"text":"keepalive"}]}`)

	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs, _ := rig.db.ListMessages(50)
	if len(msgs) != 0 {
		t.Errorf("keepalive stored: %+v", msgs)
	}
	if rig.deliverer.count() != 0 {
		t.Error("keepalive delivered")
	}

	// The ack POST is fired asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for rig.source.postCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	rig.source.mu.Lock()
	defer rig.source.mu.Unlock()
	if len(rig.source.posts) != 1 || !strings.Contains(rig.source.posts[0], "keepalive_ack") {
		t.Errorf("posts = %v, want one keepalive_ack", rig.source.posts)
	}
}

func TestConnectivitySnapshotPersisted(t *testing.T) {
	rig := newTestRig(t)
	rig.source.push(`{"messages":[{"text":"keepalive"}]}`)

	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec, err := rig.db.Status()
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Connected || rec.LastSuccessAt == 0 || rec.LastKeepaliveAt == 0 {
		t.Fatalf("snapshot after keepalive cycle = %+v", rec)
	}
	if rec.LastError != "" {
		t.Errorf("lastError = %q, want empty", rec.LastError)
	}

	// A failed fetch flips connected and records the error without
	// losing the success and keepalive timestamps.
	rig.source.pushStatus(http.StatusBadGateway)
	if err := rig.syncer.PollOnce(context.Background()); err == nil {
		t.Fatal("expected cycle failure")
	}
	after, err := rig.db.Status()
	if err != nil {
		t.Fatal(err)
	}
	if after.Connected {
		t.Error("connected still true after failed fetch")
	}
	if after.LastError == "" {
		t.Error("lastError not recorded")
	}
	if after.LastSuccessAt != rec.LastSuccessAt || after.LastKeepaliveAt != rec.LastKeepaliveAt {
		t.Errorf("snapshot lost history: %+v, had %+v", after, rec)
	}
}

func TestStopWaitsForPendingAck(t *testing.T) {
	rig := newTestRig(t)
	rig.source.mu.Lock()
	rig.source.postDelay = 100 * time.Millisecond
	rig.source.mu.Unlock()
	rig.source.push(`{"messages":[{"text":"keepalive"}]}`)

	rig.syncer.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rig.source.mu.Lock()
		polled := rig.source.gets > 0
		rig.source.mu.Unlock()
		if polled && !rig.syncer.inFlight.Load() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rig.syncer.Stop()
	if rig.source.postCount() != 1 {
		t.Errorf("acks recorded after Stop = %d, want 1", rig.source.postCount())
	}
}

func TestStatusEchoIgnored(t *testing.T) {
	rig := newTestRig(t)
	rig.source.push(`{"messages":[{"id":"s1","type":"status","text":"` + wire.StatusPrefix + ` sent SiteX"}]}`)

	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs, _ := rig.db.ListMessages(50)
	if len(msgs) != 0 {
		t.Errorf("status echo stored: %+v", msgs)
	}
}

func TestCredentialUpdatePersisted(t *testing.T) {
	rig := newTestRig(t)
	rig.source.push(`{"messages":[],"credentialUpdate":"fresh-token"}`)

	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	token, err := rig.db.Token()
	if err != nil {
		t.Fatal(err)
	}
	if token != "fresh-token" {
		t.Errorf("token = %q, want fresh-token", token)
	}
}

func TestAutoOpenURLTracked(t *testing.T) {
	rig := newTestRig(t)
	rig.source.push(`{"messages":[],"config":{"autoOpenTargetUrl":"http://dest.example/open"}}`)

	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rig.syncer.AutoOpenURL(); got != "http://dest.example/open" {
		t.Errorf("autoOpenURL = %q", got)
	}
}

func TestBoundedStateAfterManyCycles(t *testing.T) {
	rig := newTestRig(t)
	for i := 0; i < 12; i++ {
		rig.source.push(fmt.Sprintf(`{"messages":[{"id":"m%d","ts":%d,"text":"x"}]}`, i, 1000+i))
		if err := rig.syncer.PollOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := rig.db.ListMessages(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) > 5 {
		t.Errorf("window = %d, want <= 5", len(msgs))
	}
	if msgs[0].ID != "m11" {
		t.Errorf("newest = %s, want m11", msgs[0].ID)
	}
}

func TestCursorFallsBackToLastMessageTS(t *testing.T) {
	rig := newTestRig(t)
	rig.source.push(`{"messages":[{"id":"m1","ts":4242,"text":"x"}]}`)

	if err := rig.syncer.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cursor, _ := rig.db.Cursor(); cursor != "4242" {
		t.Errorf("cursor = %q, want 4242", cursor)
	}
}
