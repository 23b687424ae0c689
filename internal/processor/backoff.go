package processor

import (
	"time"

	"github.com/ledgersync/ledger-connector/internal/domain"
)

type outcome string

const (
	outcomeSuccess    outcome = "success"
	outcomeRetry      outcome = "retry"
	outcomeDeadLetter outcome = "dead_letter"
	outcomeTerminal   outcome = "terminal_failure"
)

// transition is the resolved next state for one processed event.
type transition struct {
	outcome         outcome
	retryCount      int
	nextAttemptAt   time.Time
	processingError string
}

// resolveTransition decides what happens to an event after a processing
// attempt.  Success and terminal failures finish the event; retryable
// failures increment the retry count and schedule the next attempt with
// capped exponential backoff, until the attempt budget is exhausted and
// the event dead-letters with its last error retained.
func resolveTransition(event domain.PendingWebhookEvent, processErr error, maxAttempts int, backoffCapSeconds int, now time.Time) transition {

	if processErr == nil {
		return transition{outcome: outcomeSuccess, retryCount: event.RetryCount}
	}

	if domain.IsTerminal(processErr) {
		return transition{
			outcome:         outcomeTerminal,
			retryCount:      event.RetryCount,
			processingError: processErr.Error(),
		}
	}

	retryCount := event.RetryCount + 1

	if retryCount >= maxAttempts {
		return transition{
			outcome:         outcomeDeadLetter,
			retryCount:      retryCount,
			processingError: processErr.Error(),
		}
	}

	return transition{
		outcome:         outcomeRetry,
		retryCount:      retryCount,
		nextAttemptAt:   now.Add(backoffDelay(retryCount, backoffCapSeconds)),
		processingError: processErr.Error(),
	}
}

// backoffDelay is min(2^retryCount, cap) seconds.
func backoffDelay(retryCount int, capSeconds int) time.Duration {
	if retryCount > 30 {
		return time.Duration(capSeconds) * time.Second
	}

	delaySeconds := 1 << retryCount
	if delaySeconds > capSeconds {
		delaySeconds = capSeconds
	}

	return time.Duration(delaySeconds) * time.Second
}
