package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderPrefer       = "Prefer"
	PreferRespondAsync = "respond-async"
	ContentTypeJSON    = "application/json"
	ContentTypeText    = "text/plain; charset=utf-8"
	ContentTypeJPEG    = "image/jpeg"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathMetrics = "/metrics"
	PathBatches = "/v1/batches"
	PathResults = "/v1/results"
	PathModes   = "/v1/modes"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 16
	DefaultWorkerCount   = 1
	DefaultMaxFileBytes  = 5 * 1024 * 1024 // per uploaded image
	DefaultMaxDimension  = 1024            // longer edge, px
	SQLiteBusyTimeoutMS  = 5000
)

// MIME types accepted for upload
const (
	MimeImagePNG  = "image/png"
	MimeImageJPEG = "image/jpeg"
	MimeImageJPG  = "image/jpg"
)

// Subdirectory names
const (
	UploadsDirName = "uploads"
)

// Download artifact naming for extracted text files
const (
	DownloadPrefix = "ocr_result_"
	DownloadExt    = ".txt"
)
