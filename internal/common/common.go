package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP content types
const (
	ContentTypeJSON = "application/json"
	ContentTypeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// API paths
const (
	PathHealth   = "/health"
	PathConvert  = "/convert"
	PathStatus   = "/status"
	PathDownload = "/download"
	PathWS       = "/ws"
)

// MultipartFieldFile is the form field carrying the uploaded PDF.
const MultipartFieldFile = "pdfFile"

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	SQLiteBusyTimeoutMS  = 5000
)

// File extensions and signatures
const (
	ExtPDF   = ".pdf"
	ExtDocx  = ".docx"
	PDFMagic = "%PDF-"
)

// Subdirectory names under the storage root
const (
	StagingDirName = "staging"
	OutputDirName  = "out"
)

// Converter stdout protocol: lines of the form "progress <n>" carry a
// percentage; every other line is a diagnostic log line.
const ProgressLinePrefix = "progress "
