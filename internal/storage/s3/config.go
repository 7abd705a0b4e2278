package s3

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Config represents S3 backend configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// RequestTimeout bounds every single S3 call; zero leaves it to the caller's context
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Credentials overrides the default credential chain when set
	Credentials aws.CredentialsProvider `yaml:"-"`
}

// NewDefaultConfig returns the default S3 configuration
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		RequestTimeout: 60 * time.Second,
	}
}
