package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Empty prefix policies
const (
	EmptyPolicyArchive  = "empty"
	EmptyPolicyNotFound = "not_found"
)

// Config holds all application configuration
type Config struct {
	// Server
	Host                string
	Port                string
	ReadHeaderTimeout   time.Duration
	RequestTimeout      time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64
	LogLevel            string

	// Storage
	StorageType string // "s3", "blob" or "local"
	StoragePath string // For local filesystem storage
	BlobScheme  string // gocloud bucket URL scheme: s3, gs, file, mem
	BlobQuery   string // appended to gocloud bucket URLs

	BlobHealthBucket string // bucket probed by readiness, empty = none
	BlobMaxBuckets   int    // cached bucket handles

	// S3
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool

	// Security
	EnforceSigning bool
	SigningSecret  []byte

	// Storage timeouts and retries
	StorageFetchTimeout time.Duration
	StorageMaxRetries   int
	StorageRetryDelay   time.Duration

	// Resource Limits
	MaxActiveDownloads int     // max concurrent downloads, 0 = unlimited
	MaxFileQuantity    int     // max objects per archive, 0 = unlimited
	MaxFileSizeBytes   int64   // objects above this size are skipped, 0 = unlimited
	MaxConcurrent      int64   // object fetches in flight per download
	RateLimitPerIP     float64 // requests per second per IP, 0 = unlimited
	RateLimitBurst     int
	TrustedProxyHops   int

	// Circuit Breaker
	CircuitBreakerThreshold   int           // failures before opening
	CircuitBreakerTimeout     time.Duration // time to wait before half-open
	CircuitBreakerMaxRequests int           // max requests in half-open state

	// Archive
	ArchiveName       string
	AppendYMD         bool
	SanitizeNames     bool
	IgnoreMissing     bool
	FlatListing       bool
	EmptyPrefixPolicy string

	// Audit
	AuditURL            string
	AuditTable          string
	AuditKey            string
	AuditMaxEntries     int64
	AuditMaxConnections int
	AuditTimeout        time.Duration
	AuditMaxRetries     int
	AuditRetryDelay     time.Duration

	// HTTPS
	EnableHTTPS         bool
	LetsEncryptDomains  []string
	LetsEncryptCacheDir string
	LetsEncryptEmail    string

	// Metrics
	MetricsUsername string
	MetricsPassword string

	// Tracing
	OTelEnabled     bool
	OTelEndpoint    string
	OTelInsecure    bool
	OTelSampleRatio float64
	ServiceName     string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	port := firstNonEmpty(os.Getenv("API_SERVER_PORT"), os.Getenv("PORT"), "8097")
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid API_SERVER_PORT: %q", port)
	}

	maxConcurrent := int64(4)
	if v := os.Getenv("MAX_CONCURRENT_FETCHES"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 || parsed > 64 {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_FETCHES: %q (must be 1..64)", v)
		}
		maxConcurrent = parsed
	}

	// Determine storage type
	storageType := os.Getenv("STORAGE_TYPE")
	storagePath := os.Getenv("STORAGE_PATH")
	if storageType == "" {
		if storagePath != "" {
			storageType = "local"
		} else {
			storageType = "s3"
		}
	}
	switch storageType {
	case "s3", "blob":
	case "local":
		if storagePath == "" {
			return nil, fmt.Errorf("STORAGE_PATH required when STORAGE_TYPE=local")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_TYPE: %s", storageType)
	}

	emptyPolicy := strings.ToLower(os.Getenv("EMPTY_PREFIX_POLICY"))
	if emptyPolicy == "" {
		emptyPolicy = EmptyPolicyArchive
	}
	if emptyPolicy != EmptyPolicyArchive && emptyPolicy != EmptyPolicyNotFound {
		return nil, fmt.Errorf("invalid EMPTY_PREFIX_POLICY: %s", emptyPolicy)
	}

	enableHTTPS := parseBool(os.Getenv("ENABLE_HTTPS"), false)
	var letsEncryptDomains []string
	if enableHTTPS {
		letsEncryptDomains = parseStringList(os.Getenv("LETSENCRYPT_DOMAINS"))
		if len(letsEncryptDomains) == 0 {
			return nil, fmt.Errorf("LETSENCRYPT_DOMAINS required when ENABLE_HTTPS=true")
		}
	}

	enforceSigning := parseBool(os.Getenv("ENFORCE_SIGNING"), false)
	signingSecret := os.Getenv("SIGNING_SECRET")
	if enforceSigning && signingSecret == "" {
		return nil, fmt.Errorf("SIGNING_SECRET required when ENFORCE_SIGNING=true")
	}

	// MAX_FILES_PER_REQUEST is the older name for the quantity limit
	maxFileQuantity := parseInt(firstNonEmpty(os.Getenv("AWS_S3_MAX_FILE_QUANTITY"), os.Getenv("MAX_FILES_PER_REQUEST")), 100)

	return &Config{
		Host:                firstNonEmpty(os.Getenv("API_SERVER_HOST"), "0.0.0.0"),
		Port:                port,
		ReadHeaderTimeout:   parseDuration(os.Getenv("READ_HEADER_TIMEOUT"), 10*time.Second),
		RequestTimeout:      parseDuration(os.Getenv("REQUEST_TIMEOUT"), 300*time.Second),
		ShutdownTimeout:     parseDuration(os.Getenv("SHUTDOWN_TIMEOUT"), 10*time.Second),
		MaxRequestBodyBytes: parseInt64(os.Getenv("MAX_REQUEST_BODY_BYTES"), 64*1024),
		LogLevel:            strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), "info")),

		StorageType: storageType,
		StoragePath: storagePath,
		BlobScheme:  firstNonEmpty(os.Getenv("BLOB_SCHEME"), "s3"),
		BlobQuery:   os.Getenv("BLOB_QUERY"),

		BlobHealthBucket: os.Getenv("BLOB_HEALTH_BUCKET"),
		BlobMaxBuckets:   parseInt(os.Getenv("BLOB_MAX_BUCKETS"), 32),

		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Region:          firstNonEmpty(os.Getenv("S3_REGION"), os.Getenv("AWS_REGION")),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3UsePathStyle:    parseBool(os.Getenv("S3_USE_PATH_STYLE"), false),

		EnforceSigning: enforceSigning,
		SigningSecret:  []byte(signingSecret),

		StorageFetchTimeout: parseDuration(os.Getenv("STORAGE_FETCH_TIMEOUT"), 60*time.Second),
		StorageMaxRetries:   parseInt(os.Getenv("STORAGE_MAX_RETRIES"), 3),
		StorageRetryDelay:   parseDuration(os.Getenv("STORAGE_RETRY_DELAY"), 1*time.Second),

		MaxActiveDownloads: parseInt(os.Getenv("MAX_ACTIVE_DOWNLOADS"), 0),
		MaxFileQuantity:    maxFileQuantity,
		MaxFileSizeBytes:   parseInt64(os.Getenv("AWS_S3_MAX_FILE_SIZE_BYTES"), 0),
		MaxConcurrent:      maxConcurrent,
		RateLimitPerIP:     parseFloat(os.Getenv("RATE_LIMIT_PER_IP"), 0),
		RateLimitBurst:     parseInt(os.Getenv("RATE_LIMIT_BURST"), 10),
		TrustedProxyHops:   parseInt(os.Getenv("TRUSTED_PROXY_HOPS"), 0),

		CircuitBreakerThreshold:   parseInt(os.Getenv("CIRCUIT_BREAKER_THRESHOLD"), 5),
		CircuitBreakerTimeout:     parseDuration(os.Getenv("CIRCUIT_BREAKER_TIMEOUT"), 60*time.Second),
		CircuitBreakerMaxRequests: parseInt(os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"), 2),

		ArchiveName:       firstNonEmpty(os.Getenv("ARCHIVE_NAME"), "s3-export.zip"),
		AppendYMD:         parseBool(os.Getenv("APPEND_YMD"), false),
		SanitizeNames:     parseBool(os.Getenv("SANITIZE_FILENAMES"), true),
		IgnoreMissing:     parseBool(os.Getenv("IGNORE_MISSING"), false),
		FlatListing:       parseBool(os.Getenv("FLAT_LISTING"), false),
		EmptyPrefixPolicy: emptyPolicy,

		AuditURL:            os.Getenv("AUDIT_URL"),
		AuditTable:          firstNonEmpty(os.Getenv("AUDIT_TABLE"), "download_audit"),
		AuditKey:            firstNonEmpty(os.Getenv("AUDIT_KEY"), "s3zipper:audit"),
		AuditMaxEntries:     parseInt64(os.Getenv("AUDIT_MAX_ENTRIES"), 10000),
		AuditMaxConnections: parseInt(os.Getenv("AUDIT_MAX_CONNECTIONS"), 5),
		AuditTimeout:        parseDuration(os.Getenv("AUDIT_TIMEOUT"), 5*time.Second),
		AuditMaxRetries:     parseInt(os.Getenv("AUDIT_MAX_RETRIES"), 3),
		AuditRetryDelay:     parseDuration(os.Getenv("AUDIT_RETRY_DELAY"), 2*time.Second),

		EnableHTTPS:         enableHTTPS,
		LetsEncryptDomains:  letsEncryptDomains,
		LetsEncryptCacheDir: firstNonEmpty(os.Getenv("LETSENCRYPT_CACHE_DIR"), "./certs"),
		LetsEncryptEmail:    os.Getenv("LETSENCRYPT_EMAIL"),

		MetricsUsername: os.Getenv("METRICS_USERNAME"),
		MetricsPassword: os.Getenv("METRICS_PASSWORD"),

		OTelEnabled:     parseBool(os.Getenv("OTEL_ENABLED"), false),
		OTelEndpoint:    firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "localhost:4317"),
		OTelInsecure:    parseBool(os.Getenv("OTEL_INSECURE"), true),
		OTelSampleRatio: parseFloat(os.Getenv("OTEL_SAMPLE_RATIO"), 1.0),
		ServiceName:     firstNonEmpty(os.Getenv("SERVICE_NAME"), "s3zipper"),
	}, nil
}

// Addr returns the listen address for plain HTTP
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Helper functions for parsing configuration values

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseBool(s string, defaultValue bool) bool {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseInt64(s string, defaultValue int64) int64 {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseFloat(s string, defaultValue float64) float64 {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
