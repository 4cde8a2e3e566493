// Package dispatcher runs the main queue loop: fetch requests, admit
// them against the port registry and session ceiling, launch Chrome,
// and answer via callback or response queue. Back-pressure is expressed
// entirely through queue visibility timeouts.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Rorqualx/chromeworker/internal/config"
	"github.com/Rorqualx/chromeworker/internal/metrics"
	"github.com/Rorqualx/chromeworker/internal/ports"
	"github.com/Rorqualx/chromeworker/internal/profiles"
	"github.com/Rorqualx/chromeworker/internal/queue"
	"github.com/Rorqualx/chromeworker/internal/session"
	"github.com/Rorqualx/chromeworker/internal/supervisor"
	"github.com/Rorqualx/chromeworker/internal/types"
)

// Launcher is the slice of the supervisor the dispatcher needs.
type Launcher interface {
	Launch(ctx context.Context, spec supervisor.LaunchSpec) (*types.BrowserSession, error)
	Terminate(ctx context.Context, session *types.BrowserSession, reason types.TerminationReason) *types.TerminatedSession
}

// Callback delivers success payloads to the external endpoint.
type Callback interface {
	Deliver(ctx context.Context, resp *types.SessionResponse) error
}

// Dispatcher coordinates admission between the queue, the port
// registry, and the session manager.
type Dispatcher struct {
	cfg      *config.Config
	q        queue.Queue
	registry *ports.Registry
	manager  *session.Manager
	launcher Launcher
	store    *profiles.Store
	cb       Callback // nil when the callback is disabled
	machine  string   // advertised machine IP

	// pending counts launches in flight; admission subtracts it from
	// the session ceiling.
	pending atomic.Int32

	// limiter paces loop iterations so misconfigured zero-wait queues
	// cannot hot-spin the process.
	limiter *rate.Limiter

	wg sync.WaitGroup
}

// New creates a dispatcher. cb may be nil when callbacks are disabled.
func New(cfg *config.Config, q queue.Queue, registry *ports.Registry, manager *session.Manager,
	launcher Launcher, store *profiles.Store, cb Callback, machineIP string) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		q:        q,
		registry: registry,
		manager:  manager,
		launcher: launcher,
		store:    store,
		cb:       cb,
		machine:  machineIP,
		limiter:  rate.NewLimiter(rate.Every(300*time.Millisecond), 1),
	}
}

// Pending reports the number of launches currently in flight.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Run drives the dispatch loop until ctx is canceled, then waits for
// in-flight launches to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Info().
		Int("max_sessions", d.cfg.MaxSessions).
		Int("batch", d.cfg.QueueBatchMax).
		Msg("Dispatcher started")

	for ctx.Err() == nil {
		if err := d.limiter.Wait(ctx); err != nil {
			break
		}
		d.iterate(ctx)
	}

	d.wg.Wait()
	log.Info().Msg("Dispatcher drained")
}

// iterate performs one admission pass.
func (d *Dispatcher) iterate(ctx context.Context) {
	slots := d.cfg.MaxSessions - d.manager.Count() - int(d.pending.Load())
	metrics.PendingLaunches.Set(float64(d.pending.Load()))
	if slots <= 0 {
		// Ceiling reached; the limiter supplies the short sleep.
		return
	}
	if !d.registry.HasFree() {
		// Every port is reserved or active; fetching work now would
		// only bounce it back with a visibility extension.
		return
	}

	batch := slots
	if batch > d.cfg.QueueBatchMax {
		batch = d.cfg.QueueBatchMax
	}
	msgs, err := d.q.Receive(ctx, batch)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, types.ErrQueueClosed) {
			log.Warn().Err(err).Msg("Queue receive failed")
		}
		return
	}

	for i, msg := range msgs {
		if !d.handleMessage(ctx, msg) {
			// Port exhaustion: hand the rest of the batch back now
			// instead of letting visibility lapse on its own.
			for _, rest := range msgs[i+1:] {
				d.extendVisibility(ctx, rest, queue.VisibilityNoSlots)
			}
			return
		}
	}
}

// handleMessage validates and routes one message. Returns false when
// the batch should stop (back-pressure).
func (d *Dispatcher) handleMessage(ctx context.Context, msg queue.Message) bool {
	req, err := types.ParseSessionRequest(msg.Body)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		// Poison message: delete so it cannot loop forever.
		log.Warn().Err(err).Str("message_id", msg.ID).Msg("Invalid request, deleting message")
		if derr := d.q.Delete(ctx, msg); derr != nil {
			log.Warn().Err(derr).Str("message_id", msg.ID).Msg("Poison delete failed")
		}
		return true
	}

	if req.IsDelete() {
		d.handleDelete(ctx, msg, req)
		return true
	}

	holder := "w-" + uuid.NewString()[:8]
	port, err := d.registry.Reserve(holder)
	if errors.Is(err, types.ErrNoPortsAvailable) {
		log.Info().Str("request_id", req.EffectiveID()).Msg("No ports available, backing off")
		d.extendVisibility(ctx, msg, queue.VisibilityNoSlots)
		return false
	}
	if err != nil {
		d.extendVisibility(ctx, msg, queue.VisibilityUnexpected)
		return true
	}

	// A launch already admitted keeps running when the fetch loop is
	// canceled for shutdown; it is bounded by its own DevTools budget
	// and the process-level drain deadline.
	launchCtx := context.WithoutCancel(ctx)
	d.pending.Add(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.pending.Add(-1)
		d.launch(launchCtx, msg, req, port, holder)
	}()
	return true
}

// handleDelete terminates a locally owned session or returns the
// message for another worker to claim.
func (d *Dispatcher) handleDelete(ctx context.Context, msg queue.Message, req *types.SessionRequest) {
	if _, owned := d.manager.Get(req.SessionID); !owned {
		// Not ours; make it immediately visible to the owner.
		log.Debug().Str("session_id", req.SessionID).Msg("Delete for session not owned here, returning message")
		d.extendVisibility(ctx, msg, queue.VisibilityImmediate)
		return
	}

	err := d.manager.Terminate(ctx, req.SessionID, types.ReasonDeleteAction)
	if err != nil && !errors.Is(err, types.ErrSessionNotFound) && !errors.Is(err, types.ErrSessionTerminating) {
		log.Warn().Err(err).Str("session_id", req.SessionID).Msg("Delete action failed")
		d.extendVisibility(ctx, msg, queue.VisibilityUnexpected)
		return
	}
	if derr := d.q.Delete(ctx, msg); derr != nil {
		log.Warn().Err(derr).Str("message_id", msg.ID).Msg("Message delete failed after delete action")
	}
}

// launch runs one admission end to end: profile selection, Chrome
// launch, port activation, registration, and response delivery.
func (d *Dispatcher) launch(ctx context.Context, msg queue.Message, req *types.SessionRequest, port int, holder string) {
	profilePath, reused, err := d.store.Select(port, req.UserDataDir)
	if err != nil {
		log.Error().Err(err).Int("port", port).Msg("Profile selection failed")
		d.registry.Release(port, holder)
		d.extendVisibility(ctx, msg, queue.VisibilityUnexpected)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "s-" + uuid.NewString()[:8]
	}
	ttlMin := d.cfg.ClampTTLMinutes(req.TTLMinutes)

	spec := supervisor.LaunchSpec{
		Port:            port,
		WorkerID:        holder,
		SessionID:       sessionID,
		RequestID:       req.EffectiveID(),
		RequesterID:     req.RequesterID,
		ProfilePath:     profilePath,
		ProfileIsReused: reused,
		TTL:             time.Duration(ttlMin) * time.Minute,
		HardTTL:         d.cfg.HardTTL(),
		Request:         req,
	}

	sess, err := d.launcher.Launch(ctx, spec)
	if err != nil {
		log.Warn().
			Err(err).
			Str("request_id", req.EffectiveID()).
			Int("port", port).
			Msg("Launch failed, releasing port")
		d.registry.Release(port, holder)
		d.reportFailure(ctx, req, "launch_failed")
		d.extendVisibility(ctx, msg, queue.VisibilityLaunchFailed)
		return
	}

	if err := d.registry.Activate(port, holder); err != nil {
		// Reservation was reclaimed mid-launch; the session cannot be
		// safely exposed on this port.
		log.Error().Err(err).Int("port", port).Msg("Port activation failed after launch")
		d.launcher.Terminate(ctx, sess, types.ReasonLaunchFailed)
		d.reportFailure(ctx, req, "unexpected_error")
		d.extendVisibility(ctx, msg, queue.VisibilityUnexpected)
		return
	}

	if err := d.manager.Insert(sess); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Session registration failed")
		d.launcher.Terminate(ctx, sess, types.ReasonLaunchFailed)
		d.reportFailure(ctx, req, "unexpected_error")
		d.extendVisibility(ctx, msg, queue.VisibilityUnexpected)
		return
	}

	resp := &types.SessionResponse{
		RequestID:    req.EffectiveID(),
		RequesterID:  req.RequesterID,
		SessionID:    sessionID,
		WorkerID:     holder,
		Status:       types.StatusLaunched,
		DebugPort:    port,
		DebugURL:     sess.DebugURL,
		WebSocketURL: sess.WebSocketURL,
		MachineIP:    d.machine,
		TTLMinutes:   ttlMin,
		CreatedAt:    sess.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:    sess.ExpiresAt.UTC().Format(time.RFC3339),
	}
	d.respond(ctx, msg, resp)
}

// respond delivers the response and conditionally deletes the queue
// message: delete happens-after successful callback delivery when the
// callback is enabled.
func (d *Dispatcher) respond(ctx context.Context, msg queue.Message, resp *types.SessionResponse) {
	if d.cb != nil {
		if err := d.cb.Deliver(ctx, resp); err != nil {
			// Session stays alive; redelivery risk is accepted and the
			// caller may idempotence-key on request_id.
			log.Warn().
				Err(err).
				Str("request_id", resp.RequestID).
				Msg("Callback failed, leaving message for redelivery")
			d.extendVisibility(ctx, msg, queue.VisibilityLaunchFailed)
			return
		}
	} else {
		if body, err := encodeResponse(resp); err == nil {
			if serr := d.q.SendResponse(ctx, body); serr != nil {
				log.Warn().Err(serr).Str("request_id", resp.RequestID).Msg("Response queue send failed")
			}
		}
	}

	if err := d.q.Delete(ctx, msg); err != nil {
		log.Warn().Err(err).Str("message_id", msg.ID).Msg("Message delete failed after launch")
	}
}

// reportFailure emits a failed payload for a request that was admitted
// but could not produce a session, so a waiting requester is not left
// guessing. Delivery is best effort; the message itself stays queued
// and the visibility policy governs the retry.
func (d *Dispatcher) reportFailure(ctx context.Context, req *types.SessionRequest, kind string) {
	resp := &types.SessionResponse{
		RequestID:   req.EffectiveID(),
		RequesterID: req.RequesterID,
		SessionID:   req.SessionID,
		MachineIP:   d.machine,
		Status:      types.StatusFailed,
		Error:       kind,
	}
	if d.cb != nil {
		if err := d.cb.Deliver(ctx, resp); err != nil {
			log.Debug().Err(err).Str("request_id", resp.RequestID).Msg("Failure callback not delivered")
		}
		return
	}
	if body, err := encodeResponse(resp); err == nil {
		if serr := d.q.SendResponse(ctx, body); serr != nil {
			log.Debug().Err(serr).Str("request_id", resp.RequestID).Msg("Failure response send failed")
		}
	}
}

func encodeResponse(resp *types.SessionResponse) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("request_id", resp.RequestID).Msg("Response marshal failed")
		return nil, err
	}
	return body, nil
}

func (d *Dispatcher) extendVisibility(ctx context.Context, msg queue.Message, delta time.Duration) {
	if err := d.q.ChangeVisibility(ctx, msg, delta); err != nil {
		log.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Dur("delta", delta).
			Msg("Visibility change failed")
	}
}
