// Package scheduler fires one delayed action per subject, at most once, after a delay.
//
// # Backends
//
// Two backends implement the same Backend interface and are chosen once per deployment:
//
//   - InProcess arms a timer per subject and persists the pending record so Recover can
//     re-arm it after a restart.
//   - Broker persists the record and publishes a delayed message; a Consumer receives the
//     message after the delay and fires it only if the message's task id still matches the
//     stored record (check-before-act).
//
// # Fire sequence
//
// Both backends share the same sequence, serialized per subject:
//
//  1. Re-read the record; a missing record or a different task id means the task is stale.
//  2. If the subject is immune, delete the record and emit SkippedDueToImmunity.
//  3. Mark the record as firing, release the subject lock and emit Fired to the listener.
//  4. Delete the record if it still carries the same task id.
//
// Listener errors never keep the record alive and are never retried.
package scheduler
