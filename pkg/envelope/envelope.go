// Package envelope defines the on-wire data model that flows across the
// message bus: the canonical inbound MessageEnvelope, the outbound
// OutMessage produced by the flow runner, and the DLQEntry/IdempotencyRecord/
// RateBucket records the cross-cutting stores persist.
//
// Key names are lower-camel on the HTTP boundary and snake_case on the bus;
// every type here carries only the bus-facing (snake_case) tags, and the
// lower-camel decode of inbound bodies is done by the adapter that reads
// them (pkg/adapter/platforms/local.go for the local channel).
package envelope

import (
	"errors"
	"time"

	"github.com/greentic/messaging-core/pkg/tenant"
)

// Platform enumerates the channels the gateway and egress worker recognise.
type Platform string

const (
	PlatformSlack    Platform = "slack"
	PlatformTeams    Platform = "teams"
	PlatformTelegram Platform = "telegram"
	PlatformWebchat  Platform = "webchat"
	PlatformWebex    Platform = "webex"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformLocal    Platform = "local"
)

// Attachment is an opaque, platform-neutral reference to inbound media.
type Attachment struct {
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Name        string `json:"name,omitempty"`
}

// MessageEnvelope is the canonical, platform-neutral message record that
// flows from the ingress gateway, across the bus, to the flow runner.
//
// Invariant: MsgID is unique per (ctx.Tenant, Platform) for the idempotency
// store's TTL window. Created by the ingress gateway; consumed by the flow
// runner. Never reconstructed in between (see pkg/tenant).
type MessageEnvelope struct {
	Ctx        tenant.Context    `json:"ctx"`
	Platform   Platform          `json:"platform"`
	ChatID     string            `json:"chat_id"`
	UserID     string            `json:"user_id,omitempty"`
	ThreadID   string            `json:"thread_id,omitempty"`
	MsgID      string            `json:"msg_id"`
	Text       string            `json:"text,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	Metadata   map[string]string `json:"metadata"`
	Timestamp  time.Time         `json:"timestamp"`
}

// OutKind enumerates the shape of an outbound message.
type OutKind string

const (
	OutKindText         OutKind = "text"
	OutKindCard         OutKind = "card"
	OutKindAdaptiveCard OutKind = "adaptive_card"
	OutKindOAuth        OutKind = "oauth"
)

// ErrOutMessageBody is returned by Validate when neither or both of
// Text/Payload are set.
var ErrOutMessageBody = errors.New("envelope: exactly one of text or payload must be set")

// OutMessage is produced by the external flow runner and consumed by the
// egress worker. Invariant: exactly one of Text/Payload is set.
type OutMessage struct {
	Ctx             tenant.Context    `json:"ctx"`
	Platform        Platform          `json:"platform"`
	ChatID          string            `json:"chat_id"`
	ThreadID        string            `json:"thread_id,omitempty"`
	Kind            OutKind           `json:"kind"`
	Text            string            `json:"text,omitempty"`
	Payload         []byte            `json:"payload,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	OriginatedMsgID string            `json:"originated_msg_id,omitempty"`
}

// Validate enforces the exactly-one-of-Text/Payload invariant.
func (m OutMessage) Validate() error {
	hasText := m.Text != ""
	hasPayload := len(m.Payload) > 0
	if hasText == hasPayload {
		return ErrOutMessageBody
	}
	return nil
}

// Stage enumerates where in the pipeline a DLQEntry originated.
type Stage string

const (
	StageIngress Stage = "ingress"
	StageRunner  Stage = "runner"
	StageEgress  Stage = "egress"
)

// ErrorKind classifies why a message was dead-lettered.
type ErrorKind string

const (
	ErrorKindGuard    ErrorKind = "guard"
	ErrorKindValidate ErrorKind = "validate"
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindPoison    ErrorKind = "poison"
	ErrorKindDecode    ErrorKind = "decode"
)

// DLQEntry is an append-only record of a message that failed beyond retry.
// Immutable after write.
type DLQEntry struct {
	StreamSeq      uint64    `json:"stream_seq,omitempty"`
	Tenant         string    `json:"tenant"`
	Stage          Stage     `json:"stage"`
	Subject        string    `json:"subject"`
	OriginalBytes  []byte    `json:"original_bytes"`
	ErrorKind      ErrorKind `json:"error_kind"`
	ErrorDetail    string    `json:"error_detail"`
	FirstSeen      time.Time `json:"first_seen"`
	AttemptCount   int       `json:"attempt_count"`
	ReplaySubject  string    `json:"replay_subject"`
}

// IdempotencyRecord is the value stored (if any) behind an idempotency key
// of the form "tenant:platform:msg_id".
type IdempotencyRecord struct {
	Key       string        `json:"key"`
	FirstSeen time.Time     `json:"first_seen"`
	TTL       time.Duration `json:"ttl"`
}

// IdempotencyKey builds the canonical "tenant:platform:msg_id" key.
func IdempotencyKey(tenantID string, platform Platform, msgID string) string {
	return tenantID + ":" + string(platform) + ":" + msgID
}

// RateBucket is the shared, distributed half of the hybrid rate limiter's
// state, keyed by "rate/{tenant}".
type RateBucket struct {
	Key     string    `json:"key"`
	Tokens  float64   `json:"tokens"`
	Updated time.Time `json:"updated"`
	Rate    float64   `json:"rate"`
	Burst   int       `json:"burst"`
}

// RateBucketKey builds the canonical "rate/{tenant}" key.
func RateBucketKey(tenantID string) string {
	return "rate/" + tenantID
}
