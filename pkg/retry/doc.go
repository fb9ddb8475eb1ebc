// Package retry runs connect attempts with exponential backoff.
//
// Client sessions connect in the background. Each connect cycle runs through
// Do with a Config built either from an explicit attempt count (the retries
// URI option, see Attempts) or from the session timeout window (ForWindow):
//
//	cfg := retry.ForWindow(session.Timeout())
//	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
//	    logger.Debug("connect attempt failed", "attempt", attempt, "error", err, "next", next)
//	}
//	err := retry.Do(ctx, cfg, func() error {
//	    return dialer.Dial(ctx)
//	})
//
// Errors wrapped with NonRetryable stop the loop at once. Running out of
// attempts or window returns an error wrapping ErrBudgetExhausted and the
// last attempt's error.
package retry
