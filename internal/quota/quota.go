// Package quota enforces per-operation monthly ceilings on AI usage and keeps
// the per-tenant usage counters those ceilings are checked against.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUsageNotFound = errors.New("quota: usage summary not found")
	ErrQuotaNotFound = errors.New("quota: quota not found")
)

// OperationType identifies a billable AI operation.
type OperationType string

const (
	OpImageGeneration OperationType = "image_generation"
	OpTextGeneration  OperationType = "text_generation"
	OpTextToSpeech    OperationType = "text_to_speech"
	OpVideoGeneration OperationType = "video_generation"
)

// OperationTypes lists every known operation, in display order.
var OperationTypes = []OperationType{
	OpImageGeneration,
	OpTextGeneration,
	OpTextToSpeech,
	OpVideoGeneration,
}

// ParseOperationType validates a wire-format operation name.
func ParseOperationType(s string) (OperationType, error) {
	switch OperationType(s) {
	case OpImageGeneration, OpTextGeneration, OpTextToSpeech, OpVideoGeneration:
		return OperationType(s), nil
	}
	return "", fmt.Errorf("unknown operation type %q", s)
}

// CreditCost returns how many credits one unit of the operation consumes.
func CreditCost(op OperationType) int64 {
	switch op {
	case OpImageGeneration:
		return 5
	case OpTextGeneration:
		return 1
	case OpTextToSpeech:
		return 2
	case OpVideoGeneration:
		return 25
	}
	return 1
}

// UsageSummary tracks per-operation counts for one tenant in one month.
type UsageSummary struct {
	TenantID        string    `json:"tenantId"`
	Month           string    `json:"month"` // "YYYY-MM"
	ImagesGenerated int64     `json:"imagesGenerated"`
	TextGenerated   int64     `json:"textGenerated"`
	TTSGenerated    int64     `json:"ttsGenerated"`
	VideosGenerated int64     `json:"videosGenerated"`
	CreditsUsed     int64     `json:"creditsUsed"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Count returns the counter for one operation type.
func (u *UsageSummary) Count(op OperationType) int64 {
	switch op {
	case OpImageGeneration:
		return u.ImagesGenerated
	case OpTextGeneration:
		return u.TextGenerated
	case OpTextToSpeech:
		return u.TTSGenerated
	case OpVideoGeneration:
		return u.VideosGenerated
	}
	return 0
}

// UsageStore persists monthly usage summaries. Increment must be an atomic
// upsert so concurrent recorders for the same (tenant, month) never lose
// counts.
type UsageStore interface {
	Get(ctx context.Context, tenantID, month string) (*UsageSummary, error)
	// Increment atomically adds count to the operation's counter and credits
	// to the credits-used counter, creating the row if absent.
	Increment(ctx context.Context, tenantID, month string, op OperationType, count, credits int64) error
	// ListMonth returns all summaries for one month.
	ListMonth(ctx context.Context, month string) ([]*UsageSummary, error)
}

// Quota is the legacy single-pool monthly quota row. It predates the
// dual-pool credit balance and survives only to feed dashboard aggregation;
// enforcement never reads it.
type Quota struct {
	TenantID     string    `json:"tenantId"`
	Month        string    `json:"month"`
	CreditsLimit int64     `json:"creditsLimit"`
	CreditsUsed  int64     `json:"creditsUsed"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Remaining returns the credits left under the legacy single-pool view.
func (q *Quota) Remaining() int64 {
	r := q.CreditsLimit - q.CreditsUsed
	if r < 0 {
		return 0
	}
	return r
}

// QuotaStore persists legacy quota rows.
type QuotaStore interface {
	Get(ctx context.Context, tenantID, month string) (*Quota, error)
	// Upsert writes the limit and atomically adds used credits.
	Upsert(ctx context.Context, tenantID, month string, limit, usedDelta int64) error
}

// Dimension is one {used, limit, remaining} dashboard figure. A nil limit
// means the plan sets no ceiling on the dimension.
type Dimension struct {
	Used      int64  `json:"used"`
	Limit     *int64 `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// RemainingOperations is the dashboard aggregation across every tracked
// dimension.
type RemainingOperations struct {
	Credits Dimension `json:"credits"`
	Images  Dimension `json:"images"`
	Text    Dimension `json:"text"`
	TTS     Dimension `json:"tts"`
}

// LimitResult is the outcome of an operation limit check.
type LimitResult struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	Remaining       int64  `json:"remaining"`
	Limit           *int64 `json:"limit,omitempty"` // nil means no ceiling
	UpgradeRequired bool   `json:"upgradeRequired,omitempty"`
	IsOverage       bool   `json:"isOverage,omitempty"`
	Overage         int64  `json:"overage,omitempty"` // units past the ceiling this request would reach
}
