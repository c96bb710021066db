// Package syncer runs the poll loop: fetch from the source with the
// current cursor, normalize, dedupe, resolve attachment bundles, deliver
// to the bound target and commit the whole cycle atomically. A failed
// fetch degrades connectivity status and leaves every piece of persisted
// state, cursor included, untouched.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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

// ErrBusy is returned when a cycle or explicit retry is requested while
// another cycle is in flight. Callers treat it as a no-op.
var ErrBusy = errors.New("sync cycle already in flight")

// Deliverer hands finished messages to the bound destination. The target
// registry implements it.
type Deliverer interface {
	Deliver(ctx context.Context, p *target.Payload, autoOpenURL string) error
}

// CycleStats summarizes one completed cycle for bus subscribers.
type CycleStats struct {
	Fetched   int
	Delivered int
	Pending   int
	Cursor    string
}

// Syncer owns the poll loop and is the only writer of cycle state.
type Syncer struct {
	cfg       *config.Config
	db        *store.DB
	client    *netclient.Client
	resolver  *resolver.Resolver
	cache     *blobcache.Cache
	deliverer Deliverer
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger

	inFlight    atomic.Bool
	mu          sync.Mutex
	autoOpenURL string

	acks sync.WaitGroup
	stop chan struct{}
	done chan struct{}
}

// New creates a syncer. Start must be called to begin polling.
func New(cfg *config.Config, db *store.DB, client *netclient.Client, res *resolver.Resolver,
	cache *blobcache.Cache, deliverer Deliverer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Syncer {
	return &Syncer{
		cfg:       cfg,
		db:        db,
		client:    client,
		resolver:  res,
		cache:     cache,
		deliverer: deliverer,
		machine:   machine,
		bus:       b,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start sweeps blobs orphaned by a crash, runs one immediate cycle and
// then polls on the configured interval until Stop.
func (s *Syncer) Start() {
	s.sweepOrphans()
	go s.loop()
}

// Stop ends the poll loop and waits for it and any in-flight keepalive
// ack to finish.
func (s *Syncer) Stop() {
	close(s.stop)
	<-s.done
	s.acks.Wait()
}

func (s *Syncer) loop() {
	defer close(s.done)

	s.pollLogged()
	ticker := time.NewTicker(s.cfg.PollEvery.Std())
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pollLogged()
		}
	}
}

func (s *Syncer) pollLogged() {
	if err := s.PollOnce(context.Background()); err != nil && !errors.Is(err, ErrBusy) {
		s.logger.Warn("poll cycle failed", zap.Error(err))
	}
}

// PollOnce runs a single sync cycle. A call while another cycle is in
// flight returns ErrBusy without touching any state.
func (s *Syncer) PollOnce(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.inFlight.Store(false)

	cursor, err := s.db.Cursor()
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	prior, err := s.db.Status()
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}

	resp, err := s.client.FetchTimed(ctx, s.cfg.SourceURL(cursor), netclient.RequestOptions{Authorize: true}, s.cfg.Timeout.Std())
	if err != nil {
		s.degrade(prior, fmt.Sprintf("poll failed: %v", err))
		s.publish(bus.KindCycleFailed, err.Error())
		return err
	}

	parsed := wire.ParseResponse(resp.Body)
	if parsed.CredentialUpdate != "" {
		if err := s.client.ApplyCredentialUpdate(ctx, parsed.CredentialUpdate, s.cfg.SourceURL(""), s.cfg.Timeout.Std()); err != nil {
			s.logger.Warn("credential rotation failed", zap.Error(err))
		}
	}
	if parsed.Config != nil {
		s.setAutoOpen(parsed.Config.AutoOpenTargetURL)
	}

	commit := &store.CycleCommit{
		MaxMessages: s.cfg.MaxMessages,
		MaxPending:  s.cfg.MaxPendingBundles,
		MaxDeduped:  s.cfg.MaxDedupedIDs,
	}

	// Bundles to resolve this cycle: everything already pending plus the
	// ones seeded or refreshed from this poll.
	pending, err := s.db.ListPendingBundles()
	if err != nil {
		return fmt.Errorf("list pending bundles: %w", err)
	}
	bundles := make(map[string]*store.PendingBundle, len(pending))
	order := make([]string, 0, len(pending))
	for i := range pending {
		bundles[pending[i].ID] = &pending[i]
		order = append(order, pending[i].ID)
	}

	delivered := 0
	keepaliveSeen := false
	for i := range parsed.Messages {
		msg := &parsed.Messages[i]
		switch {
		case wire.IsKeepalive(msg):
			keepaliveSeen = true
			s.acks.Add(1)
			go func() {
				defer s.acks.Done()
				s.sendKeepaliveAck()
			}()
		case wire.IsStatusEcho(msg):
			// Our own report coming back; nothing to do.
		default:
			n, err := s.ingest(ctx, msg, commit, bundles, &order)
			if err != nil {
				return err
			}
			delivered += n
		}
	}

	delivered += s.resolveBundles(ctx, commit, bundles, order)

	commit.Cursor = wire.ResolveCursor(parsed.Cursor, parsed.Messages, cursor)
	commit.HasCursor = true

	now := time.Now().UnixMilli()
	snap := store.StatusRecord{
		Connected:       true,
		LastPollAt:      now,
		LastSuccessAt:   now,
		LastKeepaliveAt: prior.LastKeepaliveAt,
	}
	if keepaliveSeen {
		snap.LastKeepaliveAt = now
	}
	commit.Status = &snap

	evicted, err := s.db.CommitCycle(commit)
	if err != nil {
		s.degrade(prior, fmt.Sprintf("commit failed: %v", err))
		s.publish(bus.KindCycleFailed, err.Error())
		return err
	}
	for _, id := range evicted {
		s.cache.DeleteForMessage(id)
	}

	if err := s.machine.Transition(status.Connected, ""); err != nil {
		s.logger.Warn("status transition", zap.Error(err))
	}
	s.publish(bus.KindCycleComplete, CycleStats{
		Fetched:   len(parsed.Messages),
		Delivered: delivered,
		Pending:   len(commit.PutBundles),
		Cursor:    commit.Cursor,
	})
	return nil
}

// ingest routes one regular message into the cycle commit. Returns the
// number of deliveries performed (0 or 1).
func (s *Syncer) ingest(ctx context.Context, msg *wire.Message, commit *store.CycleCommit,
	bundles map[string]*store.PendingBundle, order *[]string) (int, error) {
	seen, err := s.db.IsDeduped(msg.ID)
	if err != nil {
		return 0, fmt.Errorf("dedupe lookup %s: %w", msg.ID, err)
	}

	if seen {
		// A bundle re-sent while still pending refreshes the pending
		// record wholesale; anything else is a duplicate to drop.
		if msg.Type != wire.TypeBundle {
			return 0, nil
		}
		if _, ok := bundles[msg.ID]; !ok {
			return 0, nil
		}
		bundles[msg.ID] = seedBundle(msg)
		commit.Upserts = append(commit.Upserts, messageFromWire(msg, wire.StatusPending))
		s.publish(bus.KindMessageUpserted, msg.ID)
		return 0, nil
	}

	commit.DedupedIDs = append(commit.DedupedIDs, msg.ID)

	if msg.Type == wire.TypeBundle {
		commit.Upserts = append(commit.Upserts, messageFromWire(msg, wire.StatusPending))
		seeded := seedBundle(msg)
		bundles[msg.ID] = seeded
		*order = append(*order, msg.ID)
		s.publish(bus.KindMessageUpserted, msg.ID)
		return 0, nil
	}

	stored := messageFromWire(msg, wire.StatusOK)
	commit.Upserts = append(commit.Upserts, stored)
	s.publish(bus.KindMessageUpserted, msg.ID)

	if !s.cfg.AutoSend {
		return 0, nil
	}
	update := s.deliver(ctx, stored, nil)
	commit.Deliveries = append(commit.Deliveries, update)
	if update.Status == target.StatusQueued {
		return 1, nil
	}
	return 0, nil
}

// resolveBundles runs one resolution pass over every due bundle and
// routes the outcomes into the commit. Bundles run sequentially; only
// attachments within a bundle fetch in parallel.
func (s *Syncer) resolveBundles(ctx context.Context, commit *store.CycleCommit,
	bundles map[string]*store.PendingBundle, order []string) int {
	delivered := 0
	now := time.Now().UnixMilli()

	for _, id := range order {
		b := bundles[id]
		if !s.resolver.ShouldAttempt(b) {
			commit.PutBundles = append(commit.PutBundles, b)
			continue
		}

		out := s.resolver.ResolveBundle(ctx, b)
		switch out.Status {
		case resolver.OutcomeOK:
			stored := &store.Message{
				ID: b.ID, TS: b.TS, Text: b.Text, Type: wire.TypeBundle,
				Attachments: b.Attachments,
				Status:      wire.StatusOK,
				Errors:      []wire.AttachmentError{}, // clear, do not preserve
			}
			commit.Upserts = append(commit.Upserts, stored)
			commit.DeleteBundleIDs = append(commit.DeleteBundleIDs, b.ID)
			if s.cfg.AutoSend {
				update := s.deliver(ctx, stored, out.Attachments)
				commit.Deliveries = append(commit.Deliveries, update)
				if update.Status == target.StatusQueued {
					delivered++
				}
			}
			s.publish(bus.KindMessageDelivered, b.ID)

		case resolver.OutcomeError:
			stored := &store.Message{
				ID: b.ID, TS: b.TS, Text: b.Text, Type: wire.TypeBundle,
				Attachments: b.Attachments,
				Status:      wire.StatusError,
				Errors:      out.Errors,
			}
			commit.Upserts = append(commit.Upserts, stored)
			commit.DeleteBundleIDs = append(commit.DeleteBundleIDs, b.ID)
			// The error-tagged record still goes to the destination so
			// the failure is visible there, not just in local state.
			if s.cfg.AutoSend {
				update := s.deliver(ctx, stored, out.Attachments)
				if update.Status == target.StatusQueued {
					update.Status = "bundle_error"
					update.Detail = firstErrorDetail(out.Errors)
				}
				commit.Deliveries = append(commit.Deliveries, update)
			}
			s.publish(bus.KindBundleFailed, b.ID)

		case resolver.OutcomeRetry:
			b.Attempts = out.Attempts
			b.Errors = out.Errors
			b.LastAttemptAt = now
			commit.PutBundles = append(commit.PutBundles, b)
			commit.Upserts = append(commit.Upserts, &store.Message{
				ID: b.ID, TS: b.TS, Text: b.Text, Type: wire.TypeBundle,
				Attachments: b.Attachments,
				Status:      wire.StatusPending,
				Errors:      out.Errors,
			})
			s.publish(bus.KindBundleRetry, b.ID)
		}
	}
	return delivered
}

// deliver posts one message to the bound destination and returns the
// delivery update to commit. Resolved attachment bytes ride along when
// present.
func (s *Syncer) deliver(ctx context.Context, m *store.Message, resolved []resolver.ResolvedAttachment) store.DeliveryUpdate {
	payload := &target.Payload{
		MessageID: m.ID,
		TS:        m.TS,
		Text:      m.Text,
		Type:      m.Type,
		Status:    m.Status,
		Errors:    m.Errors,
	}
	for _, att := range resolved {
		payload.Attachments = append(payload.Attachments, target.PayloadAttachment{
			AttID:    att.AttID,
			Kind:     att.Kind,
			Filename: att.Filename,
			Mime:     att.Mime,
			Size:     att.Size,
			SHA256:   att.SHA256,
			Data:     att.Bytes,
		})
	}

	err := s.deliverer.Deliver(ctx, payload, s.AutoOpenURL())
	if err == nil {
		return store.DeliveryUpdate{MessageID: m.ID, Status: target.StatusQueued}
	}
	var dErr *target.DeliveryError
	if errors.As(err, &dErr) {
		return store.DeliveryUpdate{MessageID: m.ID, Status: dErr.Reason, Detail: dErr.Detail}
	}
	return store.DeliveryUpdate{MessageID: m.ID, Status: target.ReasonSendFailed, Detail: err.Error()}
}

// Retry re-runs a message by id: bundles are re-seeded with a fresh
// attempt budget, text messages are delivered again. Shares the
// single-flight guard with the poll loop.
func (s *Syncer) Retry(ctx context.Context, messageID string) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.inFlight.Store(false)

	m, err := s.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	m.RetryCount++

	if m.Type == wire.TypeBundle {
		m.Status = wire.StatusPending
		m.Errors = []wire.AttachmentError{}
		if err := s.db.UpsertMessage(m); err != nil {
			return err
		}
		return s.db.PutPendingBundle(&store.PendingBundle{
			ID:          m.ID,
			TS:          m.TS,
			Text:        m.Text,
			Attachments: m.Attachments,
			CreatedAt:   time.Now().UnixMilli(),
		})
	}

	if err := s.db.UpsertMessage(m); err != nil {
		return err
	}
	update := s.deliver(ctx, m, nil)
	if err := s.db.ApplyDelivery(update); err != nil {
		return err
	}
	if update.Status == target.StatusQueued {
		s.publish(bus.KindMessageDelivered, m.ID)
	}
	return nil
}

// AutoOpenURL returns the destination URL the source last advertised.
func (s *Syncer) AutoOpenURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoOpenURL
}

func (s *Syncer) setAutoOpen(url string) {
	s.mu.Lock()
	s.autoOpenURL = url
	s.mu.Unlock()
}

func (s *Syncer) sendKeepaliveAck() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout.Std())
	defer cancel()
	ack := map[string]any{"type": "keepalive_ack", "ts": time.Now().UnixMilli()}
	if _, err := s.client.PostJSONTimed(ctx, s.cfg.SourceURL(""), ack, s.cfg.Timeout.Std()); err != nil {
		s.logger.Debug("keepalive ack failed", zap.Error(err))
	}
}

// sweepOrphans drops cached blobs whose message no longer exists, which
// happens when a crash lands between a commit and the cache cleanup.
func (s *Syncer) sweepOrphans() {
	msgs, err := s.db.ListMessages(s.cfg.MaxMessages)
	if err != nil {
		s.logger.Warn("orphan sweep skipped", zap.Error(err))
		return
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	s.cache.SweepOrphans(ids)
}

// degrade flips the state machine and persists the failure on the
// status snapshot, keeping the last success and keepalive timestamps.
func (s *Syncer) degrade(prior store.StatusRecord, detail string) {
	if err := s.machine.Transition(status.Degraded, detail); err != nil {
		s.logger.Warn("status transition", zap.Error(err))
	}
	prior.Connected = false
	prior.LastPollAt = time.Now().UnixMilli()
	prior.LastError = detail
	if err := s.db.SetStatus(prior); err != nil {
		s.logger.Warn("status snapshot", zap.Error(err))
	}
}

func (s *Syncer) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func messageFromWire(msg *wire.Message, resolution string) *store.Message {
	return &store.Message{
		ID:          msg.ID,
		TS:          msg.TS,
		Text:        msg.Text,
		Type:        msg.Type,
		Attachments: msg.Attachments,
		Raw:         msg.Raw,
		Status:      resolution,
	}
}

func seedBundle(msg *wire.Message) *store.PendingBundle {
	return &store.PendingBundle{
		ID:          msg.ID,
		TS:          msg.TS,
		Text:        msg.Text,
		Attachments: msg.Attachments,
		CreatedAt:   time.Now().UnixMilli(),
	}
}

func firstErrorDetail(errs []wire.AttachmentError) string {
	if len(errs) == 0 {
		return ""
	}
	if errs[0].Message != "" {
		return errs[0].Message
	}
	return errs[0].Code
}
