package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Static errors for configuration validation
var (
	ErrMaildirRequired         = errors.New("maildir path is required")
	ErrStateDirRequired        = errors.New("state directory is required")
	ErrStoreDriverInvalid      = errors.New("store driver must be one of: sqlite, postgres")
	ErrStoreDSNRequired        = errors.New("store dsn is required for the postgres driver")
	ErrStoreRetriesInvalid     = errors.New("store max retries must be >= 0")
	ErrStoreRetryDelayInvalid  = errors.New("store retry delay must be >= 0")
	ErrRemoteBackendInvalid    = errors.New("remote backend must be one of: s3, rclone")
	ErrS3EndpointRequired      = errors.New("S3 endpoint is required")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrRcloneRemoteRequired    = errors.New("rclone remote is required for the rclone backend")
	ErrRcloneTimeoutInvalid    = errors.New("rclone timeout must be >= 0")
	ErrWorkersMinimum          = errors.New("workers must be at least 1")
	ErrWorkersMaximum          = errors.New("workers must not exceed 128")
	ErrRetentionInvalid        = errors.New("retention must be >= 0")
	ErrVerifySampleInvalid     = errors.New("verify sample must be >= 0")
	ErrStatusIntervalInvalid   = errors.New("status interval must be >= 0")
	ErrUploadRetriesInvalid    = errors.New("upload verify retries must be between 0 and 10")
	ErrPathTemplateRequired    = errors.New("path template is required")
	ErrPathTemplateInvalid     = errors.New("path template must contain {fingerprint} placeholder")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
)

const regionAuto = "auto"

type Config struct {
	Debug     bool
	LogFormat string
	DryRun    bool
	Workers   int

	MaildirPath string // root of the extracted mail tree
	StateDir    string // database, recovery journal, lock file

	Retention      int // years kept out of rotation, counted back from the current year
	VerifySample   int // records per verification pass (0 = full scan)
	RepairEnabled  bool
	StatusInterval int // seconds between status report lines (0 = off)
	UploadRetries  int // post-upload hash verification retries

	Compression      string
	CompressionLevel int
	PathTemplate     string

	Store  StoreConfig
	Remote RemoteConfig
}

type StoreConfig struct {
	Driver     string
	Path       string // sqlite database file (defaults under StateDir)
	DSN        string // postgres connection string
	MaxRetries int    // busy-retry attempts before surfacing store busy
	RetryDelay int    // milliseconds between busy retries
}

type RemoteConfig struct {
	Backend string
	S3      S3Config
	Rclone  RcloneConfig
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

type RcloneConfig struct {
	Remote  string
	Binary  string
	Timeout int // seconds per rclone invocation
}

// RetryDelayDuration returns the busy-retry delay as a duration.
func (c StoreConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" {
		return false
	}

	if len(region) > 50 {
		return false
	}

	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

// isValidPathTemplate validates that a path template contains the identity placeholder
func isValidPathTemplate(template string) bool {
	if template == "" {
		return false
	}
	return regexp.MustCompile(`\{fingerprint\}`).MatchString(template)
}

// isValidCompression validates the compression type
func isValidCompression(compression string) bool {
	validCompressions := map[string]bool{
		"zstd": true,
		"lz4":  true,
		"gzip": true,
		"none": true,
	}
	return validCompressions[compression]
}

// isValidCompressionLevel validates compression level based on compression type
func isValidCompressionLevel(compression string, level int) bool {
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	case "none":
		return level == 0 // no compression, level should be 0
	default:
		return false
	}
}

func (c *Config) Validate() error {
	if c.MaildirPath == "" {
		return ErrMaildirRequired
	}
	if c.StateDir == "" {
		return ErrStateDirRequired
	}

	// Validate store configuration
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return ErrStoreDSNRequired
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrStoreDriverInvalid, c.Store.Driver)
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("%w, got %d", ErrStoreRetriesInvalid, c.Store.MaxRetries)
	}
	if c.Store.RetryDelay < 0 {
		return fmt.Errorf("%w, got %d", ErrStoreRetryDelayInvalid, c.Store.RetryDelay)
	}

	// Validate remote configuration
	switch c.Remote.Backend {
	case "s3":
		if c.Remote.S3.Endpoint == "" {
			return ErrS3EndpointRequired
		}
		if c.Remote.S3.Bucket == "" {
			return ErrS3BucketRequired
		}
		if c.Remote.S3.AccessKey == "" {
			return ErrS3AccessKeyRequired
		}
		if c.Remote.S3.SecretKey == "" {
			return ErrS3SecretKeyRequired
		}
		if c.Remote.S3.Region != "" && c.Remote.S3.Region != regionAuto {
			if !isValidRegion(c.Remote.S3.Region) {
				return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.Remote.S3.Region)
			}
		}
	case "rclone":
		if c.Remote.Rclone.Remote == "" {
			return ErrRcloneRemoteRequired
		}
		if c.Remote.Rclone.Timeout < 0 {
			return fmt.Errorf("%w, got %d", ErrRcloneTimeoutInvalid, c.Remote.Rclone.Timeout)
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrRemoteBackendInvalid, c.Remote.Backend)
	}

	// Validate workers count
	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Workers > 128 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}

	if c.Retention < 0 {
		return fmt.Errorf("%w, got %d", ErrRetentionInvalid, c.Retention)
	}
	if c.VerifySample < 0 {
		return fmt.Errorf("%w, got %d", ErrVerifySampleInvalid, c.VerifySample)
	}
	if c.StatusInterval < 0 {
		return fmt.Errorf("%w, got %d", ErrStatusIntervalInvalid, c.StatusInterval)
	}
	if c.UploadRetries < 0 || c.UploadRetries > 10 {
		return fmt.Errorf("%w, got %d", ErrUploadRetriesInvalid, c.UploadRetries)
	}

	// Validate path template
	if c.PathTemplate == "" {
		return ErrPathTemplateRequired
	}
	if !isValidPathTemplate(c.PathTemplate) {
		return fmt.Errorf("%w: '%s'", ErrPathTemplateInvalid, c.PathTemplate)
	}

	// Validate compression
	if !isValidCompression(c.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
	}
	if !isValidCompressionLevel(c.Compression, c.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Compression, c.CompressionLevel)
	}

	return nil
}
