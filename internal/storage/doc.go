// Package storage persists subscriber records.
//
// A record is keyed by chat id and carries two flags: active (the chat wants
// wake notifications) and waiting (the chat asked while the tracked person was
// asleep and has not been told about the wake-up yet). Records are never
// deleted; stop only clears the active flag.
package storage
