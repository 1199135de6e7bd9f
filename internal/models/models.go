package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunType distinguishes a full backfill from an incremental refresh.
type RunType string

const (
	RunTypeFull        RunType = "full"
	RunTypeIncremental RunType = "incremental"
)

// Run is a single ingestion attempt for one feed.
// A run terminates when CompletedWorkers+FailedWorkers reaches
// ExpectedWorkers, or when it is force-cancelled.
type Run struct {
	RunID            string     `json:"run_id"`
	Feed             string     `json:"feed"`
	RunType          RunType    `json:"run_type"`
	ExpectedWorkers  int        `json:"expected_workers"`
	CompletedWorkers int        `json:"completed_workers"`
	FailedWorkers    int        `json:"failed_workers"`
	WatermarkBefore  *time.Time `json:"watermark_before,omitempty"`
	WatermarkAfter   time.Time  `json:"watermark_after"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Cancelled        bool       `json:"cancelled"`
}

// Terminated reports whether every expected worker has reported in.
func (r *Run) Terminated() bool {
	return r.Cancelled || r.CompletedWorkers+r.FailedWorkers >= r.ExpectedWorkers
}

// PartitionStatus is the lifecycle state of one partition of a run.
// completed and failed are sticky until an explicit reset.
type PartitionStatus string

const (
	PartitionPending   PartitionStatus = "pending"
	PartitionRunning   PartitionStatus = "running"
	PartitionCompleted PartitionStatus = "completed"
	PartitionFailed    PartitionStatus = "failed"
	PartitionStalled   PartitionStatus = "stalled"
)

// Partition is a disjoint price-bounded slice of a run. The price
// range is half-open: [MinPrice, MaxPrice).
type Partition struct {
	RunID           string          `json:"run_id"`
	PartitionID     int             `json:"partition_id"`
	MinPrice        float64         `json:"min_price"`
	MaxPrice        float64         `json:"max_price"`
	TotalRecords    int             `json:"total_records"`
	NextOffset      int             `json:"next_offset"`
	Status          PartitionStatus `json:"status"`
	LastHeartbeat   time.Time       `json:"last_heartbeat"`
	RetryCount      int             `json:"retry_count"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	WorkItemPayload []byte          `json:"-"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// ConsolidationStatus tracks a raw row through promotion.
type ConsolidationStatus string

const (
	ConsolidationPending ConsolidationStatus = "pending"
	ConsolidationClaimed ConsolidationStatus = "claimed"
	ConsolidationDone    ConsolidationStatus = "done"
)

// RawRow is a vendor record captured verbatim plus identity keys.
// Keyed on (feed, supplier_stone_id); re-ingestion overwrites the
// payload and resets the consolidation status to pending.
type RawRow struct {
	Feed                string              `json:"feed"`
	SupplierStoneID     string              `json:"supplier_stone_id"`
	OfferID             string              `json:"offer_id"`
	Payload             json.RawMessage     `json:"payload"`
	RunID               string              `json:"run_id"`
	ConsolidationStatus ConsolidationStatus `json:"consolidation_status"`
	ClaimExpiry         *time.Time          `json:"claim_expiry,omitempty"`
	SourceUpdatedAt     *time.Time          `json:"source_updated_at,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// DiamondStatus marks canonical rows as live or soft-deleted.
type DiamondStatus string

const (
	DiamondActive  DiamondStatus = "active"
	DiamondDeleted DiamondStatus = "deleted"
)

// Diamond is the normalized record served by the search API.
// (Feed, SupplierStoneID) is unique among active rows.
type Diamond struct {
	ID                int64         `json:"id,omitempty"`
	Feed              string        `json:"feed"`
	SupplierStoneID   string        `json:"supplier_stone_id"`
	OfferID           string        `json:"offer_id,omitempty"`
	Shape             string        `json:"shape,omitempty"`
	Carat             float64       `json:"carat,omitempty"`
	Color             string        `json:"color,omitempty"`
	Clarity           string        `json:"clarity,omitempty"`
	Cut               string        `json:"cut,omitempty"`
	Polish            string        `json:"polish,omitempty"`
	Symmetry          string        `json:"symmetry,omitempty"`
	Fluorescence      string        `json:"fluorescence,omitempty"`
	Lab               string        `json:"lab,omitempty"`
	CertificateNumber string        `json:"certificate_number,omitempty"`
	PriceUSD          float64       `json:"price_usd"`
	Availability      string        `json:"availability,omitempty"`
	Status            DiamondStatus `json:"status"`
	SourceUpdatedAt   *time.Time    `json:"source_updated_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at,omitempty"`
	DeletedAt         *time.Time    `json:"deleted_at,omitempty"`
}

// Watermark is the per-feed object stored under watermarks/{feed}.json.
type Watermark struct {
	LastUpdatedAt      time.Time  `json:"last_updated_at"`
	LastRunID          string     `json:"last_run_id,omitempty"`
	LastRunCompletedAt *time.Time `json:"last_run_completed_at,omitempty"`
}

// --- Queue messages ---

// Message types routed through the durable queue. The consumers
// switch on the type field and reject unknown values.
const (
	MessageWorkItem    = "WORK_ITEM"
	MessageWorkDone    = "WORK_DONE"
	MessageConsolidate = "CONSOLIDATE"
)

// WorkItem instructs a worker to scan one partition starting at Offset.
type WorkItem struct {
	Type         string    `json:"type"`
	RunID        string    `json:"run_id"`
	Feed         string    `json:"feed"`
	PartitionID  int       `json:"partition_id"`
	Offset       int       `json:"offset"`
	Limit        int       `json:"limit"`
	MinPrice     float64   `json:"min_price"`
	MaxPrice     float64   `json:"max_price"`
	TotalRecords int       `json:"total_records"`
	UpdatedFrom  time.Time `json:"updated_from"`
	UpdatedTo    time.Time `json:"updated_to"`
}

// MessageID is the stable deduplication token for this work item at
// its current offset. At most one live continuation exists per offset.
func (w WorkItem) MessageID() string {
	return WorkItemMessageID(w.RunID, w.PartitionID, w.Offset)
}

// WorkItemMessageID builds the deterministic run:partition:offset id.
func WorkItemMessageID(runID string, partitionID, offset int) string {
	return fmt.Sprintf("%s:%d:%d", runID, partitionID, offset)
}

// WorkDone reports a terminal partition outcome. Retry is the
// partition's retry generation at the time of the outcome; it keeps
// the outcome of each attempt distinct under message deduplication.
type WorkDone struct {
	Type        string `json:"type"`
	RunID       string `json:"run_id"`
	Feed        string `json:"feed"`
	PartitionID int    `json:"partition_id"`
	Retry       int    `json:"retry"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Consolidate asks a consolidator to promote the raw rows of a run.
type Consolidate struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	Feed  string `json:"feed"`
}
