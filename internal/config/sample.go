package config

import (
	"fmt"
	"io"

	"github.com/openmined/eas/internal/matcher"
	"gopkg.in/yaml.v3"
)

var sampleComments = map[string]string{
	"n_workers":                 "Parallel transfer workers per target",
	"n_scan_workers":            "Parallel listing workers per scan",
	"n_retries":                 "Retries for temporary storage errors",
	"retry_interval":            "Seconds between retries",
	"timeout":                   "Network timeout in seconds",
	"temp_encrypt_buffer_limit": "Encrypted uploads to remote storages spill to temp_dir above this size",
	"upload_limit":              "Bytes per second, 0 is unlimited",
	"sync_mode":                 "Propagate permission bits",
	"sync_ownership":            "Propagate uid/gid",
	"storages":                  "Backend settings. authenticator: token reads credentials from the master data",
	"folders":                   "url is <type>://<path>, types: local, s3, sftp (disk is an alias of s3)",
	"targets":                   "Each target syncs src into dst, in declaration order",
}

// Sample is a small working configuration used by make-config.
func Sample() *Config {
	return &Config{
		NWorkers:               4,
		NScanWorkers:           4,
		NRetries:               5,
		RetryInterval:          1,
		Timeout:                30,
		TempEncryptBufferLimit: "64MiB",
		UploadLimit:            "0",
		DownloadLimit:          "0",
		SyncModified:           true,
		PreserveModified:       true,
		Storages: Storages{
			S3:   S3Storage{Bucket: "my-bucket", Region: "us-east-1", Authenticator: AuthToken},
			SFTP: SFTPStorage{Host: "backup.example.com", Port: 22, User: "me", KeyFile: "~/.ssh/id_ed25519", Authenticator: AuthKey},
		},
		Folders: []*Folder{
			{
				Name: "documents",
				URL:  "~/Documents",
				AllowedPaths: []matcher.Rule{
					{Kind: matcher.Exclude, Patterns: []string{"**/.DS_Store", "**/*.tmp"}},
				},
			},
			{Name: "cloud", URL: "s3://backup/documents", Encrypted: true, FilenameEncoding: "base41"},
		},
		Targets: []*Target{{Src: "documents", Dst: "cloud"}},
	}
}

// WriteSample encodes c as YAML with a comment above the documented keys.
func WriteSample(w io.Writer, c *Config) error {
	var doc yaml.Node
	if err := doc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}

	// mapping nodes alternate key, value
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sampleComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	return enc.Close()
}
