package s3

import (
	"strings"
	"time"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"

	"github.com/objectfs/vfile/internal/cache"
	"github.com/objectfs/vfile/internal/circuit"
	"github.com/objectfs/vfile/pkg/errors"
	"github.com/objectfs/vfile/pkg/retry"
)

// Storage classes accepted for uploads.
const (
	TierStandard    = "STANDARD"
	TierStandardIA  = "STANDARD_IA"
	TierOneZoneIA   = "ONEZONE_IA"
	TierGlacierIR   = "GLACIER_IR"
	TierGlacier     = "GLACIER"
	TierDeepArchive = "DEEP_ARCHIVE"
	TierIntelligent = "INTELLIGENT_TIERING"
)

// Config represents S3 adapter configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// SDK-level retries; adapter retries are configured in Retry.
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Read-ahead: objects are fetched in BlockSize chunks, and a miss also
	// fetches up to ReadAheadBlocks following blocks in the same request.
	BlockSize       int64        `yaml:"block_size"`
	ReadAheadBlocks int          `yaml:"read_ahead_blocks"`
	Cache           cache.Config `yaml:"cache"`

	// MaxObjectSize bounds what a write stream may stage in memory.
	MaxObjectSize int64  `yaml:"max_object_size"`
	StorageClass  string `yaml:"storage_class"`

	// CargoShip upload path
	EnableCargoShip    bool  `yaml:"enable_cargoship"`
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	MultipartChunkSize int64 `yaml:"multipart_chunk_size"`
	Concurrency        int   `yaml:"concurrency"`

	Retry   retry.Config   `yaml:"retry"`
	Circuit circuit.Config `yaml:"circuit"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:             "us-east-1",
		MaxRetries:         1,
		RequestTimeout:     30 * time.Second,
		BlockSize:          1 << 20,
		ReadAheadBlocks:    3,
		Cache:              cache.DefaultConfig(),
		MaxObjectSize:      1 << 30,
		StorageClass:       TierStandard,
		MultipartThreshold: 32 << 20,
		MultipartChunkSize: 16 << 20,
		Concurrency:        8,
		Retry:              retry.DefaultConfig(),
		Circuit:            circuit.DefaultConfig(),
	}
}

// Validate checks the fields the adapter depends on.
func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return errors.NewError(errors.ErrCodeInvalidConfig, msg).WithComponent(Name).WithOperation("Validate")
	}
	if c.BlockSize <= 0 {
		return invalid("block_size must be positive")
	}
	if c.ReadAheadBlocks < 0 {
		return invalid("read_ahead_blocks must not be negative")
	}
	if c.MaxObjectSize < 0 {
		return invalid("max_object_size must not be negative")
	}
	if _, ok := storageClasses[strings.ToUpper(c.StorageClass)]; c.StorageClass != "" && !ok {
		return invalid("unknown storage_class " + c.StorageClass)
	}
	if c.EnableCargoShip && c.MultipartChunkSize > 0 && c.MultipartChunkSize < 5<<20 {
		return invalid("multipart_chunk_size must be at least 5MB")
	}
	return nil
}

type storageClass struct {
	api   s3types.StorageClass
	cargo awsconfig.StorageClass
}

var storageClasses = map[string]storageClass{
	TierStandard:    {s3types.StorageClassStandard, awsconfig.StorageClassStandard},
	TierStandardIA:  {s3types.StorageClassStandardIa, awsconfig.StorageClassStandardIA},
	TierOneZoneIA:   {s3types.StorageClassOnezoneIa, awsconfig.StorageClassOneZoneIA},
	TierGlacierIR:   {s3types.StorageClassGlacierIr, awsconfig.StorageClassGlacier},
	TierGlacier:     {s3types.StorageClassGlacier, awsconfig.StorageClassGlacier},
	TierDeepArchive: {s3types.StorageClassDeepArchive, awsconfig.StorageClassDeepArchive},
	TierIntelligent: {s3types.StorageClassIntelligentTiering, awsconfig.StorageClassIntelligentTiering},
}

func lookupStorageClass(name string) storageClass {
	if sc, ok := storageClasses[strings.ToUpper(name)]; ok {
		return sc
	}
	return storageClasses[TierStandard]
}
