// internal/agent/feedback.go
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
)

// FeedbackBus fans feedback events out to subscribers using a Pub/Sub model.
// Implements blocking sends (backpressure) and graceful shutdown. Events are
// delivered to each subscriber in the order they were posted.
type FeedbackBus struct {
	logger *zap.Logger

	// Map of feedback kind to a list of channels (subscribers).
	subscribers map[schemas.FeedbackKind][]chan schemas.FeedbackEvent
	mu          sync.RWMutex
	bufferSize  int

	// WaitGroup to track events currently being processed by consumers.
	processingWg sync.WaitGroup
	// WaitGroup to track active Post operations.
	activePostsWg sync.WaitGroup

	// Shutdown mechanism
	isShutdown bool
	shutdownMu sync.Mutex
}

// NewFeedbackBus initializes the FeedbackBus.
func NewFeedbackBus(logger *zap.Logger, bufferSize int) *FeedbackBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &FeedbackBus{
		logger:      logger.Named("feedback_bus"),
		subscribers: make(map[schemas.FeedbackKind][]chan schemas.FeedbackEvent),
		bufferSize:  bufferSize,
	}
}

// Post sends an event onto the bus. Blocks if subscriber buffers are full.
func (fb *FeedbackBus) Post(ctx context.Context, event schemas.FeedbackEvent) (err error) {
	// 1. Check shutdown state and increment activePostsWg.
	fb.shutdownMu.Lock()
	if fb.isShutdown {
		fb.shutdownMu.Unlock()
		return fmt.Errorf("cannot post event: FeedbackBus is shut down")
	}
	fb.activePostsWg.Add(1)
	fb.shutdownMu.Unlock()
	defer fb.activePostsWg.Done()

	// Use a recover block to gracefully handle sends on channels closed during shutdown.
	defer func() {
		if r := recover(); r != nil {
			// A panic here means an event we incremented processingWg for was NOT
			// successfully delivered. We must decrement the counter to prevent a deadlock.
			fb.processingWg.Done()

			fb.logger.Debug("Recovered from panic in Post, likely due to shutdown.", zap.Any("panic", r))
			err = fmt.Errorf("failed to post event: bus is shutting down")
		}
	}()

	// 2. Enrich the event.
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// 3. Acquire read lock to access subscribers.
	fb.mu.RLock()
	subscribers, ok := fb.subscribers[event.Kind]
	if !ok || len(subscribers) == 0 {
		fb.mu.RUnlock()
		return nil
	}
	// Copy the subscribers slice to avoid holding the lock during channel sends.
	subsCopy := make([]chan schemas.FeedbackEvent, len(subscribers))
	copy(subsCopy, subscribers)
	fb.mu.RUnlock()

	// 4. Distribute the event, tracking each delivery.
	for _, ch := range subsCopy {
		fb.processingWg.Add(1)
		select {
		case ch <- event:
		// Delivered successfully.
		case <-ctx.Done():
			// Delivery failed due to context cancellation, so undo the Add.
			fb.processingWg.Done()
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel to listen for specific feedback kinds. With no
// arguments the subscription covers every kind.
func (fb *FeedbackBus) Subscribe(kinds ...schemas.FeedbackKind) (<-chan schemas.FeedbackEvent, func()) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	ch := make(chan schemas.FeedbackEvent, fb.bufferSize)

	if len(kinds) == 0 {
		kinds = []schemas.FeedbackKind{schemas.FeedbackMessage, schemas.FeedbackStatus, schemas.FeedbackScreenshot}
	}

	for _, kind := range kinds {
		fb.subscribers[kind] = append(fb.subscribers[kind], ch)
	}

	var unsubOnce sync.Once
	unsubscribe := func() {
		unsubOnce.Do(func() {
			fb.mu.Lock()
			defer fb.mu.Unlock()

			if fb.isShutdown {
				return
			}

			// Remove the channel from all subscribed kinds.
			for _, kind := range kinds {
				subs := fb.subscribers[kind]
				for i, subscriberCh := range subs {
					if subscriberCh == ch {
						fb.subscribers[kind] = append(subs[:i], subs[i+1:]...)
						break // Found in this list, move to the next kind
					}
				}
			}
			// Close the channel once removed from all lists.
			close(ch)
		})
	}

	return ch, unsubscribe
}

// Acknowledge signals that an event has been processed by a consumer.
func (fb *FeedbackBus) Acknowledge(event schemas.FeedbackEvent) {
	fb.processingWg.Done()
}

// Shutdown gracefully closes the bus, waiting for all events to be acknowledged.
func (fb *FeedbackBus) Shutdown() {
	// 1. Set shutdown flag to prevent new posts.
	fb.shutdownMu.Lock()
	if fb.isShutdown {
		fb.shutdownMu.Unlock()
		return
	}
	fb.isShutdown = true
	fb.shutdownMu.Unlock()

	// 2. Close all subscriber channels under a write lock.
	// This will unblock any currently blocked Post operations.
	fb.mu.Lock()
	uniqueChannels := make(map[chan schemas.FeedbackEvent]struct{})
	for _, subs := range fb.subscribers {
		for _, ch := range subs {
			uniqueChannels[ch] = struct{}{}
		}
	}
	for ch := range uniqueChannels {
		close(ch)
	}
	fb.subscribers = make(map[schemas.FeedbackKind][]chan schemas.FeedbackEvent)
	fb.mu.Unlock()

	// 3. Wait for any Post calls that were in-flight to finish their logic.
	fb.activePostsWg.Wait()

	// 4. Wait for any successfully delivered events to be acknowledged.
	fb.processingWg.Wait()
}
