package arkclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	log "github.com/sirupsen/logrus"
)

// IntentSynchronizer registers with the server the intents waiting to be
// submitted.
type IntentSynchronizer struct {
	transport      client.TransportClient
	intentStore    types.IntentStore
	locks          *utils.KeyedMutex
	rescanInterval time.Duration
	rpcTimeout     time.Duration

	triggerCh chan struct{}
}

func NewIntentSynchronizer(
	transport client.TransportClient, intentStore types.IntentStore,
	locks *utils.KeyedMutex, rescanInterval, rpcTimeout time.Duration,
) *IntentSynchronizer {
	if locks == nil {
		locks = utils.NewKeyedMutex()
	}
	if rescanInterval <= 0 {
		rescanInterval = defaultIntentRescanInterval
	}
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}
	return &IntentSynchronizer{
		transport:      transport,
		intentStore:    intentStore,
		locks:          locks,
		rescanInterval: rescanInterval,
		rpcTimeout:     rpcTimeout,
		triggerCh:      make(chan struct{}, 1),
	}
}

// Trigger schedules a submission pass. It never blocks.
func (s *IntentSynchronizer) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Run submits the pending intents at startup, whenever an intent is stored
// and at every rescan interval, until ctx is done.
func (s *IntentSynchronizer) Run(ctx context.Context) error {
	events := s.intentStore.SubscribeEvents()
	defer func() {
		if events != nil {
			s.intentStore.UnsubscribeEvents(events)
		}
	}()

	ticker := time.NewTicker(s.rescanInterval)
	defer ticker.Stop()

	var resubscribe <-chan time.Time

	s.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				// The store drops slow listeners, subscribe again and rescan.
				events = nil
				resubscribe = time.After(resubscribeDelay)
				continue
			}
			if hasIntentsToSubmit(event) {
				s.Trigger()
			}
		case <-resubscribe:
			resubscribe = nil
			events = s.intentStore.SubscribeEvents()
			s.Trigger()
		case <-ticker.C:
			s.Trigger()
		case <-s.triggerCh:
			if err := s.SubmitPendingIntents(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("intent sync: failed to submit pending intents")
			}
		}
	}
}

// SubmitPendingIntents registers every intent waiting to be submitted and
// inside its validity window.
func (s *IntentSynchronizer) SubmitPendingIntents(ctx context.Context) error {
	intents, err := s.intentStore.GetUnsubmittedIntents(ctx, time.Now())
	if err != nil {
		return err
	}

	for _, intent := range intents {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.SubmitIntent(ctx, intent.Id); err != nil {
			log.WithError(err).WithField("intent", intent.Id).Warn(
				"intent sync: failed to submit intent",
			)
		}
	}
	return nil
}

// SubmitIntent registers the intent with the given id, if still waiting to
// be submitted. If its inputs are locked by a previous registration, that
// one is deleted and the registration retried once. Any other failure
// cancels the intent.
func (s *IntentSynchronizer) SubmitIntent(ctx context.Context, id string) error {
	unlock := s.locks.Lock(intentLockKey(id))
	defer unlock()

	intent, err := s.intentStore.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	if !intent.IsSubmittable(time.Now()) {
		return nil
	}

	intentId, err := s.register(ctx, *intent)
	if errors.Is(err, client.ErrAlreadyLocked) {
		log.WithField("intent", id).Debug(
			"intent sync: inputs locked by a previous registration, deleting it",
		)
		if err = s.delete(ctx, *intent); err == nil {
			intentId, err = s.register(ctx, *intent)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		intent.State = types.IntentCancelled
		intent.CancellationReason = fmt.Sprintf("failed to register intent: %s", err)
		if updateErr := s.intentStore.UpdateIntent(ctx, *intent); updateErr != nil {
			return fmt.Errorf("failed to cancel intent: %w", updateErr)
		}
		log.WithError(err).WithField("intent", id).Warn("intent sync: intent cancelled")
		return nil
	}

	intent.IntentId = intentId
	intent.State = types.IntentWaitingForBatch
	if err := s.intentStore.UpdateIntent(ctx, *intent); err != nil {
		return fmt.Errorf("failed to update registered intent: %w", err)
	}

	log.WithField("intent", id).Infof("intent sync: registered intent %s", intentId)
	return nil
}

func (s *IntentSynchronizer) register(ctx context.Context, intent types.Intent) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()
	return s.transport.RegisterIntent(ctx, intent.RegisterProof, intent.RegisterMessage)
}

func (s *IntentSynchronizer) delete(ctx context.Context, intent types.Intent) error {
	ctx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()
	if err := s.transport.DeleteIntent(ctx, intent.DeleteProof, intent.DeleteMessage); err != nil {
		return fmt.Errorf("failed to delete previous registration: %w", err)
	}
	return nil
}

func hasIntentsToSubmit(event types.IntentEvent) bool {
	for _, intent := range event.Intents {
		if intent.State == types.IntentWaitingToSubmit {
			return true
		}
	}
	return false
}
