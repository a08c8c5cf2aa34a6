package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if HeaderAPIKey != "X-API-Key" {
		t.Fatalf("HeaderAPIKey = %q", HeaderAPIKey)
	}
	if PathHealthz != "/healthz" || PathVideos != "/v1/videos" {
		t.Fatalf("paths mismatch: %q, %q", PathHealthz, PathVideos)
	}
	if DefaultQueueCapacity <= 0 || DefaultWorkerCount <= 0 || DefaultMaxConcurrency <= 0 {
		t.Fatalf("defaults should be positive")
	}
	if DefaultImageTolerance != 0.5 {
		t.Fatalf("DefaultImageTolerance = %v", DefaultImageTolerance)
	}
	if MinTopicLength >= MaxTopicLength || MinDurationMinutes >= MaxDurationMinutes {
		t.Fatalf("input bounds inverted")
	}
	if ArtifactsDirName == "" || WorkDirName == "" {
		t.Fatalf("dir names should be non-empty")
	}
	if StatusCompleted != "completed" || StatusFailed != "failed" {
		t.Fatalf("status constants mismatch")
	}
}
