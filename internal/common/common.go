package common

import "time"

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey     = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderUserAgent  = "User-Agent"
	ContentTypeJSON  = "application/json"
	DefaultUserAgent = "reelsmith/1.0"
)

// API paths
const (
	PathHealthz   = "/healthz"
	PathVideos    = "/v1/videos"
	PathPreviews  = "/v1/previews"
	PathProviders = "/v1/providers"
	PathIdeas     = "/v1/ideas"
)

// Defaults and limits
const (
	DefaultQueueCapacity       = 128
	DefaultWorkerCount         = 2
	DefaultMaxAttempts         = 3
	DefaultRetryDelay          = 60 * time.Second
	DefaultMaxConcurrency      = 4
	DefaultTaskTimeout         = 3 * time.Minute
	DefaultImageTolerance      = 0.5
	DefaultFallbackImageLength = 5 * time.Second
	DefaultArtifactRetention   = 7 * 24 * time.Hour
	DefaultPreviewScenes       = 3
	SQLiteBusyTimeoutMS        = 5000
	NarrationWordsPerMinute    = 150
)

// Input bounds
const (
	MinTopicLength     = 5
	MaxTopicLength     = 500
	MinDurationMinutes = 1
	MaxDurationMinutes = 30
	DefaultDuration    = 5
	DefaultStyle       = "documentary"
	DefaultLanguage    = "en"
	MinLanguageLength  = 2
	MaxLanguageLength  = 8
	MaxJobIDLength     = 64
	DefaultListLimit   = 20
	MaxListLimit       = 100
)

// Subdirectory names
const (
	ArtifactsDirName = "artifacts"
	WorkDirName      = "work"
)

// Callback status strings
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
