// Package analysis provides the built-in task bodies for the four photo
// pipelines. The real scoring and detection models live outside this
// subsystem; these executors own the plumbing: payload decoding, per-photo
// iteration, progress reporting and cooperative yield checkpoints.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"photoflow/internal/domain"
	"photoflow/internal/worker"
)

// PhotoSet is the payload shared by all analysis task types.
type PhotoSet struct {
	Photos []string `json:"photos"`
	Album  string   `json:"album,omitempty"`
}

func decode(t *domain.Task) (PhotoSet, error) {
	var ps PhotoSet
	if err := json.Unmarshal(t.Payload, &ps); err != nil {
		return ps, fmt.Errorf("invalid photo set payload: %w", err)
	}
	if len(ps.Photos) == 0 {
		return ps, fmt.Errorf("photo set is empty")
	}
	return ps, nil
}

// walk iterates the photo set, applying fn per photo, reporting progress
// and pausing at checkpoints when the scheduler asks for it.
func walk(ctx context.Context, t *domain.Task, inv worker.Invocation, fn func(photo string) error) error {
	ps, err := decode(t)
	if err != nil {
		return err
	}
	for i, photo := range ps.Photos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := inv.Pause(ctx); err != nil {
			return err
		}
		if err := fn(photo); err != nil {
			return fmt.Errorf("photo %q: %w", photo, err)
		}
		inv.Report((i + 1) * 100 / len(ps.Photos))
	}
	return nil
}

// digest stands in for per-photo model inference.
func digest(photo string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(photo))
	return h.Sum64()
}

// QualityScorer implements the PHOTO_ANALYSIS pipeline.
type QualityScorer struct{}

func (QualityScorer) Run(ctx context.Context, t *domain.Task, inv worker.Invocation) error {
	return walk(ctx, t, inv, func(photo string) error {
		_ = digest(photo)
		return nil
	})
}

// FaceDetector implements the FACE_DETECTION pipeline.
type FaceDetector struct{}

func (FaceDetector) Run(ctx context.Context, t *domain.Task, inv worker.Invocation) error {
	return walk(ctx, t, inv, func(photo string) error {
		_ = digest(photo)
		return nil
	})
}

// Clusterer implements the CLUSTERING pipeline. Clustering needs the whole
// set in hand, so it reports progress in two phases: embedding then linkage.
type Clusterer struct{}

func (Clusterer) Run(ctx context.Context, t *domain.Task, inv worker.Invocation) error {
	ps, err := decode(t)
	if err != nil {
		return err
	}
	for i, photo := range ps.Photos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := inv.Pause(ctx); err != nil {
			return err
		}
		_ = digest(photo)
		inv.Report((i + 1) * 50 / len(ps.Photos))
	}
	if err := inv.Pause(ctx); err != nil {
		return err
	}
	inv.Report(100)
	return nil
}

// Curator implements the CURATION pipeline. An empty or absent photo set
// means a whole-library scan; the scheduled maintenance job enqueues it
// that way.
type Curator struct{}

func (Curator) Run(ctx context.Context, t *domain.Task, inv worker.Invocation) error {
	var ps PhotoSet
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &ps); err != nil {
			return fmt.Errorf("invalid photo set payload: %w", err)
		}
	}
	if len(ps.Photos) == 0 {
		if err := inv.Pause(ctx); err != nil {
			return err
		}
		inv.Report(100)
		return nil
	}
	return walk(ctx, t, inv, func(photo string) error {
		_ = digest(photo)
		return nil
	})
}

// Registry wires every pipeline to its executor.
func Registry() worker.Registry {
	return worker.Registry{
		domain.TypePhotoAnalysis: QualityScorer{},
		domain.TypeFaceDetection: FaceDetector{},
		domain.TypeClustering:    Clusterer{},
		domain.TypeCuration:      Curator{},
	}
}
