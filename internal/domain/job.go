package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	validatorV10 "github.com/go-playground/validator/v10"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	OpResize = "resize"
	OpSize   = "size"
	OpRotate = "rotate"
	OpCrop   = "crop"

	MaxPipelineSteps = 16
	// MaxSide bounds every size, offset and crop extent a job may request.
	MaxSide = 16384
)

var validate *validatorV10.Validate

func init() {
	validate = validatorV10.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

type CreateJobRequest struct {
	SourceType string         `json:"source_type" validate:"required"`
	WebhookURL string         `json:"webhook_url,omitempty" validate:"omitempty,url"`
	ObjectKey  string         `json:"object_key,omitempty"`
	Pipeline   []PipelineStep `json:"pipeline" validate:"required,min=1,max=16,dive"`
}

// PipelineStep produces one output image. Transforms run in order on the
// source image; Format empty keeps the source format.
type PipelineStep struct {
	ID          string      `json:"id" validate:"required,max=64"`
	Transforms  []Transform `json:"transforms,omitempty" validate:"max=32,dive"`
	Format      string      `json:"format,omitempty" validate:"omitempty,oneof=png jpeg jpg webp"`
	Quality     int         `json:"quality,omitempty" validate:"gte=0,lte=100"`
	Compression string      `json:"compression,omitempty" validate:"omitempty,oneof=best default speed fast none max"`
}

// Transform is a single geometric operation. Size is the longest side for
// resize and the width for size. Crop keeps the Width×Height region whose
// top-left corner is (X, Y).
type Transform struct {
	Op         string  `json:"op" validate:"required,oneof=resize size rotate crop"`
	Size       uint    `json:"size,omitempty" validate:"required_if=Op resize,required_if=Op size,lte=16384"`
	X          uint    `json:"x,omitempty" validate:"lte=16384"`
	Y          uint    `json:"y,omitempty" validate:"lte=16384"`
	Width      uint    `json:"width,omitempty" validate:"required_if=Op crop,lte=16384"`
	Height     uint    `json:"height,omitempty" validate:"required_if=Op crop,lte=16384"`
	Degrees    float64 `json:"degrees,omitempty"`
	Background string  `json:"background,omitempty" validate:"omitempty,hexcolor"`
	Filter     string  `json:"filter,omitempty" validate:"omitempty,oneof=bilinear linear catmullrom bicubic lanczos lanczos3"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	Pipeline   []PipelineStep
	ObjectKey  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}

	if err := validate.Struct(r); err != nil {
		return validationError(err)
	}

	seen := make(map[string]struct{}, len(r.Pipeline))
	for i, step := range r.Pipeline {
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("pipeline[%d].id %q is duplicated", i, step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

// Pixels returns the number of pixels in a w×h image, for usage accounting.
func Pixels(w, h int) int64 {
	return int64(w) * int64(h)
}

func validationError(err error) error {
	var fieldErrs validatorV10.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "CreateJobRequest.")
	return fmt.Errorf("%s %s", field, validationMessage(fe))
}

func validationMessage(fe validatorV10.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return "is required"
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s long", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "url":
		return "must be a valid URL"
	case "hexcolor":
		return "must be a hex colour like #rrggbb"
	default:
		return fmt.Sprintf("failed validation for tag '%s'", fe.Tag())
	}
}
