package sync2

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/internal"
	"github.com/fedsync/fedclient/storage"
)

// DataReceiver accepts the decoded parts of each sync batch. The engine
// calls it on the poll goroutine, in decode order, and only advances the
// cursor once every call for the batch has returned. A receiver skips and
// logs a malformed event rather than failing the batch.
type DataReceiver interface {
	OnJoinedRoom(roomID string, data *JoinResponse)
	OnInvitedRoom(roomID string, data *InviteResponse)
	OnLeftRoom(roomID string, data *LeaveResponse)
	// OnEphemeralEvents delivers typing/receipt signals for a room.
	OnEphemeralEvents(roomID string, events []json.RawMessage)
	// OnAccountData delivers account data; roomID is AccountDataGlobalRoom
	// for global entries.
	OnAccountData(roomID string, events []json.RawMessage)
	OnToDeviceEvents(events []json.RawMessage)
	OnPresence(events []json.RawMessage)
}

// DefaultMaxConsecutiveFailures is how many transient sync failures in a row
// the engine tolerates before transitioning to failed and halting.
const DefaultMaxConsecutiveFailures = 10

var (
	metricSyncCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fedclient",
		Subsystem: "sync",
		Name:      "num_cycles",
		Help:      "Number of completed sync cycles",
	})
	metricSyncFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fedclient",
		Subsystem: "sync",
		Name:      "num_failures",
		Help:      "Number of failed sync requests",
	})
	metricsOnce sync.Once
)

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(metricSyncCycles, metricSyncFailures)
	})
}

// Engine drives the long-poll loop for one session. Run blocks; do it in a
// goroutine. Stop is cooperative: the flag is observed between cycles and an
// in-flight request is left to finish or time out rather than being
// force-aborted.
type Engine struct {
	Client   Client
	Receiver DataReceiver
	Store    storage.Store
	States   *client.StateMachine
	DeviceID string
	// MaxConsecutiveFailures before the engine gives up;
	// DefaultMaxConsecutiveFailures if zero.
	MaxConsecutiveFailures int
	Logger                 zerolog.Logger

	stopOnce        sync.Once
	stopCh          chan struct{}
	initialSyncOnce sync.Once
	initialSyncCh   chan struct{}
	doneCh          chan struct{}
}

func NewEngine(c Client, receiver DataReceiver, store storage.Store, states *client.StateMachine, deviceID string, logger zerolog.Logger) *Engine {
	registerMetrics()
	return &Engine{
		Client:        c,
		Receiver:      receiver,
		Store:         store,
		States:        states,
		DeviceID:      deviceID,
		Logger:        logger.With().Str("device", deviceID).Logger(),
		stopCh:        make(chan struct{}),
		initialSyncCh: make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func (e *Engine) maxFailures() int {
	if e.MaxConsecutiveFailures > 0 {
		return e.MaxConsecutiveFailures
	}
	return DefaultMaxConsecutiveFailures
}

// Stop requests a cooperative halt. Safe to call more than once and from any
// goroutine.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
}

// WaitUntilInitialSync blocks until the first sync batch has been applied,
// or until the engine terminates without one (invalid token, exhausted
// failure budget, Stop). Inspect States.Current to tell the cases apart.
func (e *Engine) WaitUntilInitialSync() {
	select {
	case <-e.initialSyncCh:
	case <-e.doneCh:
	}
}

// WaitUntilStopped blocks until Run has returned.
func (e *Engine) WaitUntilStopped() {
	<-e.doneCh
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// Run polls until stopped or the failure budget is exhausted. since is the
// cursor to resume from, "" for a fresh session. Sync errors are never
// surfaced as panics or returned to the host; they drive connection-state
// transitions only.
func (e *Engine) Run(since string) {
	defer close(e.doneCh)
	e.Logger.Info().Str("since", since).Msg("sync loop started")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // never; the failure count is the budget

	failCount := 0
	firstTime := true
	var lastErr error

	for !e.stopping() {
		if failCount > 0 {
			if failCount >= e.maxFailures() {
				e.Logger.Error().Err(lastErr).Int("failures", failCount).Msg("sync retries exhausted, giving up")
				internal.GetSentryHubFromContextOrDefault(context.Background()).CaptureException(lastErr)
				e.States.TransitionErr(client.Failed, lastErr)
				return
			}
			waitTime := policy.NextBackOff()
			e.Logger.Warn().Str("duration", waitTime.String()).Msg("waiting before next poll")
			select {
			case <-time.After(waitTime):
			case <-e.stopCh:
				return
			}
		}

		if e.States.Current() == client.Connected {
			e.States.Transition(client.Syncing)
		}
		resp, err := e.Client.DoSync(context.Background(), since, firstTime)
		if err != nil {
			metricSyncFailures.Inc()
			var pe *internal.ProtocolError
			if errors.As(err, &pe) && (pe.StatusCode == 401 || pe.Code == internal.CodeUnknownToken) {
				e.Logger.Warn().Msg("access token has been invalidated, terminating loop")
				e.States.TransitionErr(client.WaitingForToken, err)
				return
			}
			e.Logger.Warn().Err(err).Msg("sync poll returned temporary error")
			lastErr = err
			failCount++
			e.States.TransitionErr(client.Reconnecting, err)
			continue
		}
		failCount = 0
		policy.Reset()

		e.accumulate(resp)
		// the cursor advances only now, after the entire batch has been
		// applied; a crash mid-batch re-delivers the same batch
		since = resp.NextBatch
		if err := e.Store.SaveCursor(e.DeviceID, since); err != nil {
			// non-fatal
			e.Logger.Warn().Str("since", since).Err(err).Msg("failed to persist cursor")
		}
		metricSyncCycles.Inc()
		e.States.Transition(client.Connected)

		if firstTime {
			firstTime = false
			e.initialSyncOnce.Do(func() {
				close(e.initialSyncCh)
			})
		}
	}
}

// accumulate feeds one decoded batch to the receiver: joined rooms first
// (state before timeline is the receiver's concern), then invites and
// leaves, then global account data, presence and device messages.
func (e *Engine) accumulate(res *SyncResponse) {
	numEvents := 0
	for roomID, roomData := range res.Rooms.Join {
		data := roomData
		e.Receiver.OnJoinedRoom(roomID, &data)
		numEvents += len(roomData.Timeline.Events)
		if len(roomData.Ephemeral.Events) > 0 {
			e.Receiver.OnEphemeralEvents(roomID, roomData.Ephemeral.Events)
		}
		if len(roomData.AccountData.Events) > 0 {
			e.Receiver.OnAccountData(roomID, roomData.AccountData.Events)
		}
	}
	for roomID, roomData := range res.Rooms.Invite {
		data := roomData
		e.Receiver.OnInvitedRoom(roomID, &data)
	}
	for roomID, roomData := range res.Rooms.Leave {
		data := roomData
		e.Receiver.OnLeftRoom(roomID, &data)
	}
	if len(res.AccountData.Events) > 0 {
		e.Receiver.OnAccountData(AccountDataGlobalRoom, res.AccountData.Events)
	}
	if len(res.Presence.Events) > 0 {
		e.Receiver.OnPresence(res.Presence.Events)
	}
	if len(res.ToDevice.Events) > 0 {
		e.Receiver.OnToDeviceEvents(res.ToDevice.Events)
	}
	e.Logger.Debug().Int("num_rooms", len(res.Rooms.Join)).Int("num_timeline_events", numEvents).Msg("accumulated sync batch")
}
