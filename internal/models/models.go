package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Platform is the crowdfunding export format a CSV came from
type Platform string

const (
	PlatformKickstarter Platform = "KICKSTARTER"
	PlatformIndiegogo   Platform = "INDIEGOGO"
)

// UploadStatus is shared by uploads and their chunks
type UploadStatus string

// Upload and chunk statuses
const (
	StatusPending    UploadStatus = "PENDING"
	StatusProcessing UploadStatus = "PROCESSING"
	StatusCompleted  UploadStatus = "COMPLETED"
	StatusFailed     UploadStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed
func (s UploadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SurveyStatus is the collapsed payment state of a survey
type SurveyStatus string

// Survey statuses
const (
	SurveyStatusCollected SurveyStatus = "COLLECTED_PAYMENT"
	SurveyStatusErrored   SurveyStatus = "ERRORED_PAYMENT"
)

// Project owns products, pledges and surveys
type Project struct {
	ID        int64     `db:"id" json:"id"`
	Shop      string    `db:"shop" json:"shop"`
	Name      string    `db:"name" json:"name"`
	Platform  *Platform `db:"platform" json:"platform,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Upload represents one submitted CSV file
type Upload struct {
	ID              int64        `db:"id" json:"id"`
	ProjectID       int64        `db:"project_id" json:"projectId"`
	Status          UploadStatus `db:"status" json:"status"`
	TotalChunks     int          `db:"total_chunks" json:"totalChunks"`
	ProcessedChunks int          `db:"processed_chunks" json:"processedChunks"`
	CompletedAt     *time.Time   `db:"completed_at" json:"completedAt"`
	CreatedAt       time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updatedAt"`
}

// Progress returns the rounded percentage of settled chunks
func (u *Upload) Progress() int {
	if u.TotalChunks <= 0 {
		return 0
	}
	return int(float64(u.ProcessedChunks)/float64(u.TotalChunks)*100 + 0.5)
}

// Chunk is one independently processable slice of an upload
type Chunk struct {
	ID          int64        `db:"id" json:"id"`
	UploadID    int64        `db:"upload_id" json:"uploadId"`
	Status      UploadStatus `db:"status" json:"status"`
	Data        *ChunkData   `db:"data" json:"data,omitempty"`
	Errors      *ChunkErrors `db:"errors" json:"errors"`
	ProcessedAt *time.Time   `db:"processed_at" json:"processedAt"`
	SettledAt   *time.Time   `db:"settled_at" json:"settledAt"`
	CreatedAt   time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updatedAt"`
}

// ChunkData is the verbatim header row and row grid of a chunk
type ChunkData struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Value implements driver.Valuer
func (d ChunkData) Value() (driver.Value, error) {
	return marshalColumn(d)
}

// Scan implements sql.Scanner
func (d *ChunkData) Scan(src interface{}) error {
	return unmarshalColumn(src, d)
}

// ChunkErrors is either a partial-rejection payload or a processing failure
type ChunkErrors struct {
	ValidationErrors []string   `json:"validationErrors,omitempty"`
	Error            string     `json:"error,omitempty"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
}

// Value implements driver.Valuer
func (e ChunkErrors) Value() (driver.Value, error) {
	return marshalColumn(e)
}

// Scan implements sql.Scanner
func (e *ChunkErrors) Scan(src interface{}) error {
	return unmarshalColumn(src, e)
}

// Backer is a person backing projects of a shop
type Backer struct {
	ID        int64     `db:"id" json:"id"`
	Shop      string    `db:"shop" json:"shop"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Product is an item offered within a project
type Product struct {
	ID        int64     `db:"id" json:"id"`
	ProjectID int64     `db:"project_id" json:"projectId"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Pledge is a reward tier identified by its source-platform reward id
type Pledge struct {
	ID        int64     `db:"id" json:"id"`
	ProjectID int64     `db:"project_id" json:"projectId"`
	PledgeID  string    `db:"pledge_id" json:"pledgeId"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Survey is one backer's commitment to one project
type Survey struct {
	ID           int64        `db:"id" json:"id"`
	ProjectID    int64        `db:"project_id" json:"projectId"`
	BackerID     int64        `db:"backer_id" json:"backerId"`
	PledgeID     int64        `db:"pledge_id" json:"pledgeId"`
	Platform     Platform     `db:"platform" json:"platform"`
	BonusSupport float64      `db:"bonus_support" json:"bonusSupport"`
	Price        float64      `db:"price" json:"price"`
	Country      string       `db:"country" json:"country"`
	Status       SurveyStatus `db:"status" json:"status"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updatedAt"`
}

// Inventory is a product line item attached to a survey
type Inventory struct {
	ID        int64 `db:"id" json:"id"`
	SurveyID  int64 `db:"survey_id" json:"surveyId"`
	ProductID int64 `db:"product_id" json:"productId"`
	Qty       int   `db:"qty" json:"qty"`
}

// ChunkJob is the queue payload for processing one chunk
type ChunkJob struct {
	ChunkID   int64 `json:"chunkId"`
	UploadID  int64 `json:"uploadId"`
	ProjectID int64 `json:"projectId"`
}

func marshalColumn(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalColumn(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}
