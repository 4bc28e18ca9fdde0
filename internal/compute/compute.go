// Package compute models the external generative-model pipelines (audio,
// image and video synthesis, fine-tuning, inference and recommendation) as
// opaque long-running jobs.
//
// The server never looks inside a job: it validates the parameters, hands
// the job to a Backend from a task-pool slot and returns the artifact
// reference the backend produced.
package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names a class of compute job.
type Kind string

const (
	KindAudio      Kind = "audio"
	KindImage      Kind = "image"
	KindVideo      Kind = "video"
	KindImage2Vid  Kind = "image2video"
	KindImage2Text Kind = "image2text"
	KindFinetune   Kind = "finetune"
	KindInference  Kind = "inference"
	KindRecommend  Kind = "recommend"
)

// Kinds lists every supported job kind.
func Kinds() []Kind {
	return []Kind{
		KindAudio, KindImage, KindVideo, KindImage2Vid,
		KindImage2Text, KindFinetune, KindInference, KindRecommend,
	}
}

var (
	// ErrUnknownKind is returned for job kinds the server does not know.
	ErrUnknownKind = errors.New("compute: unknown job kind")
	// ErrInvalidParams is returned when a job is missing required parameters.
	ErrInvalidParams = errors.New("compute: invalid parameters")
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Job is one submission to a backend.
type Job struct {
	ID     string
	Kind   Kind
	Params map[string]any
}

// Artifact is the output reference of a finished job: a file path for
// generated media or models, structured data for scoring and captioning.
type Artifact struct {
	Kind       Kind           `json:"kind"`
	Path       string         `json:"path,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	FinishedAt time.Time      `json:"-"`
}

// Backend executes compute jobs. Implementations block until the job is
// finished or ctx is done.
type Backend interface {
	Submit(ctx context.Context, job Job) (Artifact, error)
}

// MaxTopK bounds the number of items a recommend job may ask for.
const MaxTopK = 100

var required = map[Kind][]string{
	KindAudio:      {"prompt"},
	KindImage:      {"prompt"},
	KindVideo:      {"prompt"},
	KindImage2Vid:  {"image"},
	KindImage2Text: {"image"},
	KindFinetune:   {"dataset"},
	KindInference:  {"prompt"},
	KindRecommend:  {"user_id"},
}

// Validate checks job parameters and fills kind-specific defaults: audio
// duration defaults to 30 seconds and recommendation topk to 10.
func Validate(job *Job) error {
	keys, ok := required[job.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}
	if job.Params == nil {
		job.Params = make(map[string]any)
	}
	for _, key := range keys {
		v, present := job.Params[key]
		if !present || isBlank(v) {
			return fmt.Errorf("%w: %s job requires %q", ErrInvalidParams, job.Kind, key)
		}
	}

	switch job.Kind {
	case KindAudio:
		d, err := positiveNumber(job.Params, "duration", 30)
		if err != nil {
			return err
		}
		job.Params["duration"] = d
	case KindRecommend:
		k, err := positiveNumber(job.Params, "topk", 10)
		if err != nil {
			return err
		}
		if k > MaxTopK {
			return fmt.Errorf("%w: \"topk\" must not exceed %d", ErrInvalidParams, MaxTopK)
		}
		job.Params["topk"] = int(k)
	}
	return nil
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	default:
		return false
	}
}

func positiveNumber(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	default:
		return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidParams, key)
	}
	if f <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidParams, key)
	}
	return f, nil
}
