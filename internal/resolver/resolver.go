// Package resolver downloads attachment bundles. Each attachment is
// served from the blob cache when possible, otherwise fetched with the
// descriptor's own method and headers under a hard timeout. Failures are
// classified retryable or terminal per attachment; the bundle aggregates
// them into one outcome.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/handybridge/relayd/internal/blobcache"
	"github.com/handybridge/relayd/internal/netclient"
	"github.com/handybridge/relayd/internal/store"
	"github.com/handybridge/relayd/internal/wire"
)

// Bundle outcome statuses.
const (
	OutcomeOK    = "ok"    // every attachment resolved
	OutcomeRetry = "retry" // at least one retryable failure remains
	OutcomeError = "error" // only terminal failures remain
)

// Attachment error codes.
const (
	CodeInvalidFetch   = "INVALID_FETCH"
	CodeRetryExhausted = "RETRY_EXHAUSTED"
	CodeExpired        = "EXPIRED"
	CodeFetchTimeout   = "FETCH_TIMEOUT"
	CodeFetchFailed    = "FETCH_FAILED"
)

// Settings bounds one bundle resolution.
type Settings struct {
	Timeout     time.Duration
	RetryLimit  int
	RetryDelay  time.Duration
	Concurrency int
}

// ResolvedAttachment is an attachment with its bytes in hand.
type ResolvedAttachment struct {
	AttID    string
	Kind     string
	Filename string
	Mime     string
	Size     int64
	Bytes    []byte
	SHA256   string
}

// Outcome is the aggregate result of one bundle resolution pass.
type Outcome struct {
	Status      string
	Attachments []ResolvedAttachment
	Errors      []wire.AttachmentError
	Attempts    map[string]int
}

// Resolver fetches attachment bundles through the shared network client
// and blob cache.
type Resolver struct {
	client   *netclient.Client
	cache    *blobcache.Cache
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a resolver. Zero-value settings fields fall back to the
// compiled-in defaults.
func New(client *netclient.Client, cache *blobcache.Cache, settings Settings, logger *zap.Logger) *Resolver {
	if settings.Timeout <= 0 {
		settings.Timeout = 20 * time.Second
	}
	if settings.RetryLimit <= 0 {
		settings.RetryLimit = 2
	}
	if settings.RetryDelay <= 0 {
		settings.RetryDelay = 1500 * time.Millisecond
	}
	if settings.Concurrency <= 0 {
		settings.Concurrency = 2
	}
	return &Resolver{
		client:   client,
		cache:    cache,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// ShouldAttempt reports whether enough time has passed since the
// bundle's last resolution attempt.
func (r *Resolver) ShouldAttempt(b *store.PendingBundle) bool {
	if b.LastAttemptAt <= 0 {
		return true
	}
	return r.now().UnixMilli()-b.LastAttemptAt >= r.settings.RetryDelay.Milliseconds()
}

// ResolveBundle runs one resolution pass over the bundle's attachments
// with bounded parallelism. Attempts counts only failed fetches; cache
// hits and terminal short-circuits never consume retry budget.
func (r *Resolver) ResolveBundle(ctx context.Context, b *store.PendingBundle) *Outcome {
	attempts := make(map[string]int, len(b.Attempts))
	for id, n := range b.Attempts {
		attempts[id] = n
	}

	resolved := make([]*ResolvedAttachment, len(b.Attachments))
	attErrs := make([]*wire.AttachmentError, len(b.Attachments))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.settings.Concurrency)
	for i := range b.Attachments {
		i := i
		att := b.Attachments[i]
		g.Go(func() error {
			res, attErr, attempted := r.resolveOne(ctx, b.ID, &att, attempts[att.AttID])
			mu.Lock()
			resolved[i] = res
			attErrs[i] = attErr
			if attempted {
				attempts[att.AttID]++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := &Outcome{Attempts: attempts}
	retryable := false
	for i := range b.Attachments {
		if resolved[i] != nil {
			out.Attachments = append(out.Attachments, *resolved[i])
		}
		if attErrs[i] != nil {
			out.Errors = append(out.Errors, *attErrs[i])
			if attErrs[i].Retryable {
				retryable = true
			}
		}
	}
	switch {
	case len(out.Errors) == 0:
		out.Status = OutcomeOK
	case retryable:
		out.Status = OutcomeRetry
	default:
		out.Status = OutcomeError
	}
	return out
}

// ResolveSingle fetches one attachment on demand, serving from the
// cache when possible. Late reads of an evicted attachment go through
// here; the fetch never consumes a bundle's retry budget.
func (r *Resolver) ResolveSingle(ctx context.Context, messageID string, att *wire.Attachment) (*ResolvedAttachment, error) {
	res, attErr, _ := r.resolveOne(ctx, messageID, att, 0)
	if attErr != nil {
		return nil, fmt.Errorf("%s: %s", attErr.Code, attErr.Message)
	}
	return res, nil
}

// resolveOne handles a single attachment. attempted reports whether an
// actual fetch was tried and failed, which is the only thing that
// consumes retry budget.
func (r *Resolver) resolveOne(ctx context.Context, messageID string, att *wire.Attachment, priorAttempts int) (*ResolvedAttachment, *wire.AttachmentError, bool) {
	if entry, ok := r.cache.Get(messageID, att.AttID); ok {
		return &ResolvedAttachment{
			AttID:    att.AttID,
			Kind:     att.Kind,
			Filename: att.Filename,
			Mime:     entry.Meta.Mime,
			Size:     int64(len(entry.Data)),
			Bytes:    entry.Data,
			SHA256:   entry.Meta.SHA256,
		}, nil, false
	}

	if att.Fetch.URL == "" {
		return nil, &wire.AttachmentError{
			AttID:   att.AttID,
			Code:    CodeInvalidFetch,
			Message: "attachment has no fetch url",
		}, false
	}
	if priorAttempts >= r.settings.RetryLimit {
		return nil, &wire.AttachmentError{
			AttID:   att.AttID,
			Code:    CodeRetryExhausted,
			Message: fmt.Sprintf("gave up after %d failed attempts", priorAttempts),
		}, false
	}
	if att.Fetch.ExpiresAt != nil && *att.Fetch.ExpiresAt <= r.now().UnixMilli() {
		return nil, &wire.AttachmentError{
			AttID:   att.AttID,
			Code:    CodeExpired,
			Message: "fetch url expired",
		}, false
	}

	opts := netclient.RequestOptions{Method: att.Fetch.Method, Headers: att.Fetch.Headers}
	resp, err := r.client.FetchTimed(ctx, att.Fetch.URL, opts, r.settings.Timeout)
	if err != nil {
		return nil, classifyFetchError(att.AttID, err), true
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = att.Mime
	}
	if att.Mime != "" && mime != "" && !strings.HasPrefix(mime, att.Mime) {
		r.logger.Warn("attachment mime mismatch",
			zap.String("att_id", att.AttID),
			zap.String("declared", att.Mime),
			zap.String("served", mime))
	}

	sum := sha256.Sum256(resp.Body)
	digest := hex.EncodeToString(sum[:])
	r.cache.Put(messageID, att.AttID, resp.Body, blobcache.Meta{
		Kind:     att.Kind,
		Filename: att.Filename,
		Mime:     mime,
		Size:     int64(len(resp.Body)),
		SHA256:   digest,
	})

	return &ResolvedAttachment{
		AttID:    att.AttID,
		Kind:     att.Kind,
		Filename: att.Filename,
		Mime:     mime,
		Size:     int64(len(resp.Body)),
		Bytes:    resp.Body,
		SHA256:   digest,
	}, nil, false
}

// classifyFetchError maps a network-client error to an attachment error.
// Retryable: timeouts, transport failures, HTTP 408, 429 and 5xx.
func classifyFetchError(attID string, err error) *wire.AttachmentError {
	var httpErr *netclient.HTTPError
	if errors.As(err, &httpErr) {
		retryable := httpErr.Status == 408 || httpErr.Status == 429 || httpErr.Status >= 500
		return &wire.AttachmentError{
			AttID:     attID,
			Code:      fmt.Sprintf("HTTP_%d", httpErr.Status),
			Message:   err.Error(),
			Retryable: retryable,
		}
	}
	var transportErr *netclient.TransportError
	if errors.As(err, &transportErr) && transportErr.Timeout {
		return &wire.AttachmentError{
			AttID:     attID,
			Code:      CodeFetchTimeout,
			Message:   err.Error(),
			Retryable: true,
		}
	}
	return &wire.AttachmentError{
		AttID:     attID,
		Code:      CodeFetchFailed,
		Message:   err.Error(),
		Retryable: true,
	}
}
