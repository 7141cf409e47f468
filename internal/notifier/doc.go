// Package notifier delivers the wake-up message.
//
// On a fixed interval the service reads the waiting subscribers from storage.
// If anyone is waiting it probes the status source once, and when the tracked
// person is awake it messages every waiting chat and clears its waiting flag.
//
// # Delivery
//
// Sends fan out over a bounded errgroup, share one token-bucket limiter and
// retry with exponential backoff and jitter. A failed recipient is logged and
// stays waiting for the next tick; it never blocks the others.
//
// # Scheduling
//
// Ticks are driven by robfig/cron with SkipIfStillRunning, so a slow tick is
// never overlapped by the next one. The first tick runs right after Start.
package notifier
