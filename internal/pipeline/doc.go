// Package pipeline runs every authenticated request through the gateway's
// ordered stages and records the outcome.
//
// # States
//
// A request moves through
//
//	RECEIVED -> AUTHENTICATING -> QUOTA_CHECK -> FORWARDING -> RESPONDING -> LOGGED
//
// and may leave AUTHENTICATING or QUOTA_CHECK for REJECTED, which is also
// logged. Paths on the public allow-list skip the pipeline entirely.
//
// # Stages
//
// Stages run in order and either annotate the Exchange or stop it with a
// *domain.APIError:
//   - authenticate: bearer token -> Verifier -> identity upsert
//   - quota: fixed-window check-and-consume for the identity
//
// After the stages the request is forwarded to the next handler (the user
// endpoints or the backend proxy). Quota headers are stamped just before the
// first response byte, and exactly one audit record is queued per request.
//
// # Reporting errors
//
// Forwarded handlers that fail after choosing a status call SetError so the
// failure reaches both the request log and the audit record.
package pipeline
