package compute

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"time"
)

var extensions = map[Kind]string{
	KindAudio:     ".wav",
	KindImage:     ".png",
	KindVideo:     ".mp4",
	KindImage2Vid: ".mp4",
}

// Simulated stands in for the real model pipelines. It holds the calling
// slot for Latency and then returns a deterministic artifact reference.
type Simulated struct {
	Latency     time.Duration
	ArtifactDir string
	Now         func() time.Time
}

// NewSimulated returns a simulated backend writing references under dir.
func NewSimulated(latency time.Duration, dir string) *Simulated {
	if dir == "" {
		dir = "artifacts"
	}
	return &Simulated{Latency: latency, ArtifactDir: dir, Now: time.Now}
}

// Submit implements Backend.
func (s *Simulated) Submit(ctx context.Context, job Job) (Artifact, error) {
	if err := Validate(&job); err != nil {
		return Artifact{}, err
	}

	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Artifact{}, fmt.Errorf("compute: %s job %s: %w", job.Kind, job.ID, ctx.Err())
		}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	art := Artifact{Kind: job.Kind, FinishedAt: now()}

	switch job.Kind {
	case KindAudio, KindImage, KindVideo, KindImage2Vid:
		art.Path = filepath.Join(s.ArtifactDir, string(job.Kind), job.ID+extensions[job.Kind])
	case KindFinetune:
		art.Path = filepath.Join(s.ArtifactDir, "finetune", job.ID, "final-model")
	case KindImage2Text:
		art.Data = map[string]any{
			"image":   job.Params["image"],
			"caption": fmt.Sprintf("a generated description of %v", job.Params["image"]),
		}
	case KindInference:
		art.Data = map[string]any{
			"prompt": job.Params["prompt"],
			"text":   fmt.Sprintf("response to: %v", job.Params["prompt"]),
		}
	case KindRecommend:
		user := fmt.Sprint(job.Params["user_id"])
		art.Data = map[string]any{
			"user_id": user,
			"items":   recommend(user, job.Params["topk"].(int)),
		}
	}
	return art, nil
}

// recommend derives a stable top-k list of distinct item ids from the user id.
func recommend(user string, k int) []string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(user))
	seed := h.Sum64()

	seen := make(map[uint64]bool, k)
	items := make([]string, 0, k)
	for len(items) < k {
		seed = seed*6364136223846793005 + 1442695040888963407
		id := seed % 10000
		if seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, fmt.Sprintf("item-%d", id))
	}
	return items
}
