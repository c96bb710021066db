// Package target owns the delivery destination: a bound webhook URL the
// relay posts finished messages to. The binding persists across restarts;
// when nothing is bound the source can auto-provision a destination
// through its poll-response config.
package target

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/handybridge/relayd/internal/netclient"
	"github.com/handybridge/relayd/internal/wire"
)

// Delivery failure reasons, recorded as the message's deliveryStatus.
const (
	ReasonUnbound        = "unbound"
	ReasonSendFailed     = "send_failed"
	ReasonAutoOpenFailed = "auto_open_failed"
)

// StatusQueued is the delivery status of a successfully posted message.
const StatusQueued = "queued"

// DeliveryError describes a failed delivery attempt.
type DeliveryError struct {
	Reason string
	Detail string
}

func (e *DeliveryError) Error() string {
	if e.Detail == "" {
		return "delivery failed: " + e.Reason
	}
	return fmt.Sprintf("delivery failed (%s): %s", e.Reason, e.Detail)
}

// Payload is the JSON body posted to the bound destination.
type Payload struct {
	MessageID   string                 `json:"messageId"`
	TS          int64                  `json:"ts"`
	Text        string                 `json:"text"`
	Type        string                 `json:"type"`
	Status      string                 `json:"status"`
	Attachments []PayloadAttachment    `json:"attachments,omitempty"`
	Errors      []wire.AttachmentError `json:"errors,omitempty"`
}

// PayloadAttachment carries resolved attachment bytes; Data is base64 on
// the wire via encoding/json.
type PayloadAttachment struct {
	AttID    string `json:"attId"`
	Kind     string `json:"kind"`
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`
	Data     []byte `json:"data"`
}

// Binding is the persisted delivery destination.
type Binding struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Label   string `json:"label,omitempty"`
	BoundAt int64  `json:"boundAt"`
}

// bindingStore persists the binding; the relay database implements it.
type bindingStore interface {
	BoundTarget() (string, error)
	SetBoundTarget(encoded string) error
}

// Registry owns the bound destination and performs deliveries to it.
type Registry struct {
	store   bindingStore
	client  *netclient.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry creates a registry delivering with the given per-post timeout.
func NewRegistry(store bindingStore, client *netclient.Client, timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Registry{
		store:   store,
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

// Bind sets the delivery destination, replacing any existing binding.
func (r *Registry) Bind(rawURL, label string) (*Binding, error) {
	if err := validateTargetURL(rawURL); err != nil {
		return nil, err
	}
	b := &Binding{
		ID:      uuid.NewString(),
		URL:     rawURL,
		Label:   label,
		BoundAt: time.Now().UnixMilli(),
	}
	if err := r.persist(b); err != nil {
		return nil, err
	}
	r.logger.Info("target bound", zap.String("binding_id", b.ID), zap.String("url", b.URL))
	return b, nil
}

// Unbind clears the delivery destination.
func (r *Registry) Unbind() error {
	return r.store.SetBoundTarget("")
}

// Current returns the active binding, nil when unbound.
func (r *Registry) Current() (*Binding, error) {
	encoded, err := r.store.BoundTarget()
	if err != nil {
		return nil, fmt.Errorf("load binding: %w", err)
	}
	if encoded == "" {
		return nil, nil
	}
	var b Binding
	if err := decodeBinding(encoded, &b); err != nil {
		return nil, fmt.Errorf("decode binding: %w", err)
	}
	return &b, nil
}

// Deliver posts the payload to the bound destination. When unbound and
// autoOpenURL is set, the registry binds to it first; a failure there is
// reported as auto_open_failed so it stays distinguishable from a plain
// unbound miss. Returns nil on success; failures are *DeliveryError.
func (r *Registry) Deliver(ctx context.Context, p *Payload, autoOpenURL string) error {
	binding, err := r.Current()
	if err != nil {
		return &DeliveryError{Reason: ReasonSendFailed, Detail: err.Error()}
	}
	if binding == nil {
		if autoOpenURL == "" {
			return &DeliveryError{Reason: ReasonUnbound}
		}
		binding, err = r.Bind(autoOpenURL, "auto-provisioned")
		if err != nil {
			return &DeliveryError{Reason: ReasonAutoOpenFailed, Detail: err.Error()}
		}
	}

	opts := netclient.RequestOptions{Headers: map[string]string{"X-Relay-Binding": binding.ID}}
	if _, err := r.client.PostJSONWith(ctx, binding.URL, p, opts, r.timeout); err != nil {
		return &DeliveryError{Reason: ReasonSendFailed, Detail: err.Error()}
	}
	return nil
}

func (r *Registry) persist(b *Binding) error {
	encoded, err := encodeBinding(b)
	if err != nil {
		return fmt.Errorf("encode binding: %w", err)
	}
	if err := r.store.SetBoundTarget(encoded); err != nil {
		return fmt.Errorf("persist binding: %w", err)
	}
	return nil
}

func validateTargetURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid target url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("target url missing host")
	}
	return nil
}
