package cmd

import (
	"errors"
	"testing"
)

func validTestConfig() *Config {
	return &Config{
		Workers:     4,
		MaildirPath: "/var/mail/extracted",
		StateDir:    "/var/lib/mailvault",

		Retention:      1,
		VerifySample:   0,
		RepairEnabled:  true,
		StatusInterval: 60,
		UploadRetries:  2,

		Compression:      "zstd",
		CompressionLevel: 3,
		PathTemplate:     "{period}/{shard}/{fingerprint}",

		Store: StoreConfig{
			Driver:     "sqlite",
			Path:       "/var/lib/mailvault/mailvault.db",
			MaxRetries: 5,
			RetryDelay: 100,
		},
		Remote: RemoteConfig{
			Backend: "s3",
			S3: S3Config{
				Endpoint:  "https://s3.example.com",
				Bucket:    "mail-backup",
				AccessKey: "access123",
				SecretKey: "secret456",
				Region:    "us-east-1",
			},
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		config := validTestConfig()
		if err := config.Validate(); err != nil {
			t.Fatalf("valid config should not return error: %v", err)
		}
	})

	t.Run("MissingMaildir", func(t *testing.T) {
		config := validTestConfig()
		config.MaildirPath = ""

		err := config.Validate()
		if !errors.Is(err, ErrMaildirRequired) {
			t.Fatalf("expected ErrMaildirRequired, got %v", err)
		}
	})

	t.Run("MissingStateDir", func(t *testing.T) {
		config := validTestConfig()
		config.StateDir = ""

		err := config.Validate()
		if !errors.Is(err, ErrStateDirRequired) {
			t.Fatalf("expected ErrStateDirRequired, got %v", err)
		}
	})

	t.Run("InvalidStoreDriver", func(t *testing.T) {
		config := validTestConfig()
		config.Store.Driver = "mysql"

		err := config.Validate()
		if !errors.Is(err, ErrStoreDriverInvalid) {
			t.Fatalf("expected ErrStoreDriverInvalid, got %v", err)
		}
	})

	t.Run("PostgresWithoutDSN", func(t *testing.T) {
		config := validTestConfig()
		config.Store.Driver = "postgres"
		config.Store.DSN = ""

		err := config.Validate()
		if !errors.Is(err, ErrStoreDSNRequired) {
			t.Fatalf("expected ErrStoreDSNRequired, got %v", err)
		}
	})

	t.Run("PostgresWithDSN", func(t *testing.T) {
		config := validTestConfig()
		config.Store.Driver = "postgres"
		config.Store.DSN = "host=localhost user=mail dbname=mailvault sslmode=disable"

		if err := config.Validate(); err != nil {
			t.Fatalf("postgres config with dsn should validate: %v", err)
		}
	})

	t.Run("InvalidRemoteBackend", func(t *testing.T) {
		config := validTestConfig()
		config.Remote.Backend = "ftp"

		err := config.Validate()
		if !errors.Is(err, ErrRemoteBackendInvalid) {
			t.Fatalf("expected ErrRemoteBackendInvalid, got %v", err)
		}
	})

	t.Run("MissingS3Endpoint", func(t *testing.T) {
		config := validTestConfig()
		config.Remote.S3.Endpoint = ""

		err := config.Validate()
		if !errors.Is(err, ErrS3EndpointRequired) {
			t.Fatalf("expected ErrS3EndpointRequired, got %v", err)
		}
	})

	t.Run("MissingS3Bucket", func(t *testing.T) {
		config := validTestConfig()
		config.Remote.S3.Bucket = ""

		err := config.Validate()
		if !errors.Is(err, ErrS3BucketRequired) {
			t.Fatalf("expected ErrS3BucketRequired, got %v", err)
		}
	})

	t.Run("MissingS3Credentials", func(t *testing.T) {
		config := validTestConfig()
		config.Remote.S3.AccessKey = ""
		if err := config.Validate(); !errors.Is(err, ErrS3AccessKeyRequired) {
			t.Fatalf("expected ErrS3AccessKeyRequired, got %v", err)
		}

		config = validTestConfig()
		config.Remote.S3.SecretKey = ""
		if err := config.Validate(); !errors.Is(err, ErrS3SecretKeyRequired) {
			t.Fatalf("expected ErrS3SecretKeyRequired, got %v", err)
		}
	})

	t.Run("InvalidS3Region", func(t *testing.T) {
		config := validTestConfig()
		config.Remote.S3.Region = "bad region!"

		err := config.Validate()
		if !errors.Is(err, ErrS3RegionInvalid) {
			t.Fatalf("expected ErrS3RegionInvalid, got %v", err)
		}
	})

	t.Run("AutoRegionAllowed", func(t *testing.T) {
		config := validTestConfig()
		config.Remote.S3.Region = "auto"

		if err := config.Validate(); err != nil {
			t.Fatalf("auto region should validate: %v", err)
		}
	})

	t.Run("RcloneWithoutRemote", func(t *testing.T) {
		config := validTestConfig()
		config.Remote.Backend = "rclone"
		config.Remote.Rclone.Remote = ""

		err := config.Validate()
		if !errors.Is(err, ErrRcloneRemoteRequired) {
			t.Fatalf("expected ErrRcloneRemoteRequired, got %v", err)
		}
	})

	t.Run("RcloneValid", func(t *testing.T) {
		config := validTestConfig()
		config.Remote.Backend = "rclone"
		config.Remote.Rclone.Remote = "crypt:mail"
		config.Remote.Rclone.Timeout = 600

		if err := config.Validate(); err != nil {
			t.Fatalf("rclone config should validate: %v", err)
		}
	})

	t.Run("WorkersBounds", func(t *testing.T) {
		config := validTestConfig()
		config.Workers = 0
		if err := config.Validate(); !errors.Is(err, ErrWorkersMinimum) {
			t.Fatalf("expected ErrWorkersMinimum, got %v", err)
		}

		config = validTestConfig()
		config.Workers = 129
		if err := config.Validate(); !errors.Is(err, ErrWorkersMaximum) {
			t.Fatalf("expected ErrWorkersMaximum, got %v", err)
		}
	})

	t.Run("NegativeRetention", func(t *testing.T) {
		config := validTestConfig()
		config.Retention = -1

		err := config.Validate()
		if !errors.Is(err, ErrRetentionInvalid) {
			t.Fatalf("expected ErrRetentionInvalid, got %v", err)
		}
	})

	t.Run("NegativeVerifySample", func(t *testing.T) {
		config := validTestConfig()
		config.VerifySample = -5

		err := config.Validate()
		if !errors.Is(err, ErrVerifySampleInvalid) {
			t.Fatalf("expected ErrVerifySampleInvalid, got %v", err)
		}
	})

	t.Run("UploadRetriesBounds", func(t *testing.T) {
		config := validTestConfig()
		config.UploadRetries = 11

		err := config.Validate()
		if !errors.Is(err, ErrUploadRetriesInvalid) {
			t.Fatalf("expected ErrUploadRetriesInvalid, got %v", err)
		}
	})

	t.Run("PathTemplateRequired", func(t *testing.T) {
		config := validTestConfig()
		config.PathTemplate = ""

		err := config.Validate()
		if !errors.Is(err, ErrPathTemplateRequired) {
			t.Fatalf("expected ErrPathTemplateRequired, got %v", err)
		}
	})

	t.Run("PathTemplateNeedsFingerprint", func(t *testing.T) {
		config := validTestConfig()
		config.PathTemplate = "{period}/{shard}"

		err := config.Validate()
		if !errors.Is(err, ErrPathTemplateInvalid) {
			t.Fatalf("expected ErrPathTemplateInvalid, got %v", err)
		}
	})

	t.Run("InvalidCompression", func(t *testing.T) {
		config := validTestConfig()
		config.Compression = "bzip2"

		err := config.Validate()
		if !errors.Is(err, ErrCompressionInvalid) {
			t.Fatalf("expected ErrCompressionInvalid, got %v", err)
		}
	})

	t.Run("CompressionLevels", func(t *testing.T) {
		tests := []struct {
			compression string
			level       int
			wantErr     bool
		}{
			{"zstd", 3, false},
			{"zstd", 22, false},
			{"zstd", 23, true},
			{"lz4", 9, false},
			{"lz4", 10, true},
			{"gzip", 1, false},
			{"gzip", 0, true},
			{"none", 0, false},
			{"none", 1, true},
		}

		for _, tt := range tests {
			config := validTestConfig()
			config.Compression = tt.compression
			config.CompressionLevel = tt.level

			err := config.Validate()
			if tt.wantErr && !errors.Is(err, ErrCompressionLevelInvalid) {
				t.Fatalf("%s level %d: expected ErrCompressionLevelInvalid, got %v", tt.compression, tt.level, err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("%s level %d: unexpected error %v", tt.compression, tt.level, err)
			}
		}
	})
}

func TestRetryDelayDuration(t *testing.T) {
	cfg := StoreConfig{RetryDelay: 250}
	if got := cfg.RetryDelayDuration().Milliseconds(); got != 250 {
		t.Fatalf("expected 250ms, got %dms", got)
	}
}
