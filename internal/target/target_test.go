package target

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/handybridge/relayd/internal/netclient"
)

type memBindingStore struct {
	encoded string
	err     error
}

func (m *memBindingStore) BoundTarget() (string, error) { return m.encoded, m.err }
func (m *memBindingStore) SetBoundTarget(encoded string) error {
	if m.err != nil {
		return m.err
	}
	m.encoded = encoded
	return nil
}

func testRegistry(t *testing.T, store *memBindingStore) *Registry {
	t.Helper()
	client := netclient.New(nil, zap.NewNop())
	return NewRegistry(store, client, time.Second, zap.NewNop())
}

func TestBindCurrentUnbind(t *testing.T) {
	store := &memBindingStore{}
	r := testRegistry(t, store)

	b, err := r.Bind("http://dest.example/hook", "desk")
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == "" || b.BoundAt == 0 {
		t.Errorf("binding = %+v", b)
	}

	current, err := r.Current()
	if err != nil {
		t.Fatal(err)
	}
	if current == nil || current.ID != b.ID || current.URL != "http://dest.example/hook" {
		t.Errorf("current = %+v", current)
	}

	if err := r.Unbind(); err != nil {
		t.Fatal(err)
	}
	current, err = r.Current()
	if err != nil {
		t.Fatal(err)
	}
	if current != nil {
		t.Errorf("current after unbind = %+v", current)
	}
}

func TestBindRejectsBadURL(t *testing.T) {
	r := testRegistry(t, &memBindingStore{})
	for _, bad := range []string{"", "ftp://x/y", "not a url at all", "http://"} {
		if _, err := r.Bind(bad, ""); err == nil {
			t.Errorf("Bind(%q) succeeded, want error", bad)
		}
	}
}

func TestDeliverUnbound(t *testing.T) {
	r := testRegistry(t, &memBindingStore{})
	err := r.Deliver(context.Background(), &Payload{MessageID: "m1"}, "")

	var dErr *DeliveryError
	if !errors.As(err, &dErr) || dErr.Reason != ReasonUnbound {
		t.Fatalf("err = %v, want unbound DeliveryError", err)
	}
}

func TestDeliverPostsPayloadWithoutBearer(t *testing.T) {
	var gotAuth string
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got)
	}))
	defer srv.Close()

	store := &memBindingStore{}
	r := testRegistry(t, store)
	if _, err := r.Bind(srv.URL, ""); err != nil {
		t.Fatal(err)
	}

	p := &Payload{
		MessageID: "m1", TS: 1000, Text: "hi", Type: "bundle", Status: "ok",
		Attachments: []PayloadAttachment{{AttID: "a1", Data: []byte{1, 2}}},
	}
	if err := r.Deliver(context.Background(), p, ""); err != nil {
		t.Fatal(err)
	}
	if got.MessageID != "m1" || len(got.Attachments) != 1 {
		t.Errorf("delivered payload = %+v", got)
	}
	if gotAuth != "" {
		t.Errorf("webhook received Authorization %q, want none", gotAuth)
	}
}

func TestDeliverAutoProvisionsFromServerConfig(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	store := &memBindingStore{}
	r := testRegistry(t, store)

	if err := r.Deliver(context.Background(), &Payload{MessageID: "m1"}, srv.URL); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Errorf("webhook hits = %d", hits)
	}

	// The auto-provisioned binding must persist for later deliveries.
	current, err := r.Current()
	if err != nil {
		t.Fatal(err)
	}
	if current == nil || current.URL != srv.URL {
		t.Errorf("current = %+v", current)
	}
}

func TestDeliverAutoOpenFailure(t *testing.T) {
	r := testRegistry(t, &memBindingStore{})
	err := r.Deliver(context.Background(), &Payload{MessageID: "m1"}, "ftp://bad")

	var dErr *DeliveryError
	if !errors.As(err, &dErr) || dErr.Reason != ReasonAutoOpenFailed {
		t.Fatalf("err = %v, want auto_open_failed", err)
	}
}

func TestDeliverSendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := testRegistry(t, &memBindingStore{})
	if _, err := r.Bind(srv.URL, ""); err != nil {
		t.Fatal(err)
	}
	err := r.Deliver(context.Background(), &Payload{MessageID: "m1"}, "")

	var dErr *DeliveryError
	if !errors.As(err, &dErr) || dErr.Reason != ReasonSendFailed {
		t.Fatalf("err = %v, want send_failed", err)
	}
}

func TestReportPostsStatusWithPrefix(t *testing.T) {
	var gotAuth string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got)
	}))
	defer srv.Close()

	r := testRegistry(t, &memBindingStore{})
	if err := r.Report(context.Background(), srv.URL, StatusReport{
		Status: "sent", Site: "SiteX", MessagePreview: "hi",
	}); err != nil {
		t.Fatal(err)
	}

	if got["type"] != "status" || got["status"] != "sent" {
		t.Errorf("report = %+v", got)
	}
	text, _ := got["text"].(string)
	if text == "" || text[:len("[relay-status]")] != "[relay-status]" {
		t.Errorf("report text = %q, want status prefix", text)
	}
	if gotAuth != "Bearer "+netclient.DefaultToken {
		t.Errorf("report auth = %q, want bearer token", gotAuth)
	}
}
