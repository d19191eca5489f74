package dto

import (
	"time"

	"consecutive/internal/domain/sequence"
)

// SegmentationRequest configures per-key counters.
type SegmentationRequest struct {
	Enabled  bool                 `json:"enabled"`
	KeyKind  sequence.SegmentKind `json:"keyKind"`
	KeyField string               `json:"keyField"`
}

// CreateSequenceRequest for creating sequences.
type CreateSequenceRequest struct {
	Name         string                `json:"name" binding:"required"`
	Description  string                `json:"description"`
	IncrementBy  int64                 `json:"incrementBy"`
	InitialValue int64                 `json:"initialValue"`
	MinValue     int64                 `json:"minValue"`
	MaxValue     int64                 `json:"maxValue"`
	Prefix       string                `json:"prefix"`
	Suffix       string                `json:"suffix"`
	PadLength    int                   `json:"padLength"`
	PadChar      string                `json:"padChar"`
	Pattern      string                `json:"pattern"`
	FormatRules  []sequence.FormatRule `json:"formatRules"`
	Segmentation *SegmentationRequest  `json:"segmentation"`
}

// ToDefinition converts the request to a definition for CreateSequence.
func (r *CreateSequenceRequest) ToDefinition() *sequence.Definition {
	def := &sequence.Definition{
		Name:         r.Name,
		Description:  r.Description,
		IncrementBy:  r.IncrementBy,
		InitialValue: r.InitialValue,
		MinValue:     r.MinValue,
		MaxValue:     r.MaxValue,
		Prefix:       r.Prefix,
		Suffix:       r.Suffix,
		PadLength:    r.PadLength,
		PadChar:      r.PadChar,
		Pattern:      r.Pattern,
		FormatRules:  r.FormatRules,
	}
	if r.Segmentation != nil {
		def.Segmentation = sequence.Segmentation{
			Enabled:  r.Segmentation.Enabled,
			KeyKind:  r.Segmentation.KeyKind,
			KeyField: r.Segmentation.KeyField,
		}
	}
	return def
}

// UpdateSequenceRequest for updating sequences. Omitted fields are left unchanged.
type UpdateSequenceRequest struct {
	Name        *string                `json:"name"`
	Description *string                `json:"description"`
	IncrementBy *int64                 `json:"incrementBy"`
	MinValue    *int64                 `json:"minValue"`
	MaxValue    *int64                 `json:"maxValue"`
	Prefix      *string                `json:"prefix"`
	Suffix      *string                `json:"suffix"`
	PadLength   *int                   `json:"padLength"`
	PadChar     *string                `json:"padChar"`
	Pattern     *string                `json:"pattern"`
	FormatRules *[]sequence.FormatRule `json:"formatRules"`
	KeyKind     *sequence.SegmentKind  `json:"keyKind"`
	KeyField    *string                `json:"keyField"`
}

// ToPatch converts the request to a patch.
func (r *UpdateSequenceRequest) ToPatch() sequence.Patch {
	return sequence.Patch{
		Name:        r.Name,
		Description: r.Description,
		IncrementBy: r.IncrementBy,
		MinValue:    r.MinValue,
		MaxValue:    r.MaxValue,
		Prefix:      r.Prefix,
		Suffix:      r.Suffix,
		PadLength:   r.PadLength,
		PadChar:     r.PadChar,
		Pattern:     r.Pattern,
		FormatRules: r.FormatRules,
		KeyKind:     r.KeyKind,
		KeyField:    r.KeyField,
	}
}

// AllocateRequest asks for quantity consecutive values. Quantity defaults to 1.
type AllocateRequest struct {
	Quantity   int64  `json:"quantity"`
	SegmentKey string `json:"segmentKey"`
	EntityID   string `json:"entityId"`
}

// ReserveBlockRequest claims a block for staged use.
type ReserveBlockRequest struct {
	Quantity   int64  `json:"quantity" binding:"required"`
	SegmentKey string `json:"segmentKey"`
	EntityID   string `json:"entityId"`
	TTLSeconds int64  `json:"ttlSeconds" binding:"min=0"`
}

// TTL converts TTLSeconds.
func (r *ReserveBlockRequest) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// ReserveSingleRequest puts one value on hold.
type ReserveSingleRequest struct {
	SegmentKey string `json:"segmentKey"`
	EntityID   string `json:"entityId"`
	TTLSeconds int64  `json:"ttlSeconds" binding:"min=0"`
}

// TTL converts TTLSeconds.
func (r *ReserveSingleRequest) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// ResetRequest sets a counter so the next allocation yields Value + IncrementBy.
type ResetRequest struct {
	Value      *int64 `json:"value" binding:"required"`
	SegmentKey string `json:"segmentKey"`
}

// AssignRequest binds a sequence to an entity.
type AssignRequest struct {
	EntityType  string               `json:"entityType" binding:"required"`
	EntityID    string               `json:"entityId" binding:"required"`
	Permissions sequence.Permissions `json:"permissions"`
	Limits      sequence.Limits      `json:"limits"`
}

// FormatQuery are the query parameters of the format endpoint.
type FormatQuery struct {
	Value   *int64 `form:"value" binding:"required"`
	Segment string `form:"segment"`
}

// HistoryQuery are the query parameters of the history endpoint.
type HistoryQuery struct {
	Limit int `form:"limit" binding:"min=0,max=1000"`
}

// FormatResponse is a rendered value.
type FormatResponse struct {
	Value      int64  `json:"value"`
	SegmentKey string `json:"segmentKey,omitempty"`
	Formatted  string `json:"formatted"`
}
