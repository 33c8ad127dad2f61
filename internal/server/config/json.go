package config

import (
	"encoding/json"
	"os"

	"github.com/coachdesk/filevault/internal/common"
	"github.com/coachdesk/filevault/internal/flagx"
	"github.com/coachdesk/filevault/internal/timex"
)

// JsonConfig is an intermediate DTO used only for reading JSON configuration
// files. It uses timex.Duration for interval fields, which allows parsing
// both string values such as "15m" and integer nanoseconds. After
// unmarshalling, set fields are copied into the runtime Config.
type JsonConfig struct {
	DatabaseDSN *string `json:"database_dsn"`

	StorageDir    *string `json:"storage_dir"`
	TempDir       *string `json:"temp_dir"`
	QuarantineDir *string `json:"quarantine_dir"`

	MaxFileSize       *int64                     `json:"max_file_size"`
	CategoryMaxSize   map[common.Category]int64  `json:"category_max_size"`
	MIMECategories    map[string]common.Category `json:"mime_categories"`
	BlockedExtensions []string                   `json:"blocked_extensions"`

	ScannerAddr     *string         `json:"scanner_addr"`
	ScannerTimeout  *timex.Duration `json:"scanner_timeout"`
	ScannerRequired *bool           `json:"scanner_required"`

	EncryptionEnabled *bool   `json:"encryption_enabled"`
	EncryptionSecret  *string `json:"encryption_secret"`

	S3Enabled      *bool   `json:"s3_enabled"`
	S3RootUser     *string `json:"s3_root_user"`
	S3RootPassword *string `json:"s3_root_password"`
	S3Bucket       *string `json:"s3_bucket"`
	S3Region       *string `json:"s3_region"`
	S3BaseEndpoint *string `json:"s3_base_endpoint"`
	CDNBaseURL     *string `json:"cdn_base_url"`

	MaxImageDimension *int           `json:"max_image_dimension"`
	MaxImagePixels    *int64         `json:"max_image_pixels"`
	JPEGQuality       *int           `json:"jpeg_quality"`
	ThumbnailSizes    map[string]int `json:"thumbnail_sizes"`

	VersioningEnabled *bool           `json:"versioning_enabled"`
	MaxVersions       *int            `json:"max_versions"`
	AuditRetention    *timex.Duration `json:"audit_retention"`
	SweepInterval     *timex.Duration `json:"sweep_interval"`
	TempMaxAge        *timex.Duration `json:"temp_max_age"`
	QuarantineMaxAge  *timex.Duration `json:"quarantine_max_age"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c/-config flags; when
// neither is set, no JSON file is loaded. Only fields present in the file
// override defaults. Read or parse failures panic: a requested config file
// that cannot be applied should not be silently ignored.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	applyString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}

	applyString(&config.DatabaseDSN, c.DatabaseDSN)
	applyString(&config.StorageDir, c.StorageDir)
	applyString(&config.TempDir, c.TempDir)
	applyString(&config.QuarantineDir, c.QuarantineDir)
	applyString(&config.ScannerAddr, c.ScannerAddr)
	applyString(&config.EncryptionSecret, c.EncryptionSecret)
	applyString(&config.S3RootUser, c.S3RootUser)
	applyString(&config.S3RootPassword, c.S3RootPassword)
	applyString(&config.S3Bucket, c.S3Bucket)
	applyString(&config.S3Region, c.S3Region)
	applyString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	applyString(&config.CDNBaseURL, c.CDNBaseURL)

	if c.MaxFileSize != nil {
		config.MaxFileSize = *c.MaxFileSize
	}
	if c.CategoryMaxSize != nil {
		config.CategoryMaxSize = c.CategoryMaxSize
	}
	if c.MIMECategories != nil {
		config.MIMECategories = c.MIMECategories
	}
	if c.BlockedExtensions != nil {
		config.BlockedExtensions = c.BlockedExtensions
	}
	if c.ScannerTimeout != nil {
		config.ScannerTimeout = c.ScannerTimeout.Duration
	}
	if c.ScannerRequired != nil {
		config.ScannerRequired = *c.ScannerRequired
	}
	if c.EncryptionEnabled != nil {
		config.EncryptionEnabled = *c.EncryptionEnabled
	}
	if c.S3Enabled != nil {
		config.S3Enabled = *c.S3Enabled
	}
	if c.MaxImageDimension != nil {
		config.MaxImageDimension = *c.MaxImageDimension
	}
	if c.MaxImagePixels != nil {
		config.MaxImagePixels = *c.MaxImagePixels
	}
	if c.JPEGQuality != nil {
		config.JPEGQuality = *c.JPEGQuality
	}
	if c.ThumbnailSizes != nil {
		config.ThumbnailSizes = c.ThumbnailSizes
	}
	if c.VersioningEnabled != nil {
		config.VersioningEnabled = *c.VersioningEnabled
	}
	if c.MaxVersions != nil {
		config.MaxVersions = *c.MaxVersions
	}
	if c.AuditRetention != nil {
		config.AuditRetention = c.AuditRetention.Duration
	}
	if c.SweepInterval != nil {
		config.SweepInterval = c.SweepInterval.Duration
	}
	if c.TempMaxAge != nil {
		config.TempMaxAge = c.TempMaxAge.Duration
	}
	if c.QuarantineMaxAge != nil {
		config.QuarantineMaxAge = c.QuarantineMaxAge.Duration
	}
}
