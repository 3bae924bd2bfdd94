// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// glue, persistence, the receipt pipeline stages (preprocessing, OCR, quality
// gate, parsing, matching, reconciliation), notification sinks and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines response hardening such as HSTS.
type SecurityConfig struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration
	CacheControl string // sent on API responses; empty disables
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StorageConfig selects where uploaded receipt files live.
type StorageConfig struct {
	Driver    string // local|s3
	Dir       string // local root directory
	Bucket    string
	Region    string
	Endpoint  string // optional S3-compatible endpoint (minio, localstack)
	AccessKey string
	SecretKey string
	Prefix    string // object key prefix
}

// IntakeConfig bounds the files accepted into the pipeline.
type IntakeConfig struct {
	MaxImageBytes int64
	MaxPDFBytes   int64
	MinDimension  int // min(width, height) in pixels
	MaxDimension  int // max(width, height) in pixels
	MaxPDFPages   int
}

// PreprocessConfig controls the image preprocessor.
type PreprocessConfig struct {
	Enabled        bool
	Steps          []string // enabled steps; empty means all
	WorkDir        string   // where processed images are written
	TargetWidth    int      // canvas box
	TargetHeight   int      // canvas box
	ExpectedAspect float64  // width/height of a typical receipt
}

// OCRConfig drives the hybrid OCR engine.
type OCRConfig struct {
	Backends            []string           // priority order, e.g. "tesseract,http"
	MaxBackends         int                // how many backends a single call may try
	ConfidenceThreshold float64            // early-exit threshold
	BackendTimeout      time.Duration      // per backend call
	MaxTime             time.Duration      // normalizes the speed component of the score
	Bonuses             map[string]float64 // backend_bonus per backend name
	TesseractLangs      []string
	HTTPURL             string // remote OCR service base URL
	StaticDir           string // offline mode: <image>.txt fixtures for the static backend
}

// QualityConfig holds the quality gate thresholds.
type QualityConfig struct {
	MinLines      int
	MinConfidence float64
}

// VisionConfig configures the vision-model fallback.
type VisionConfig struct {
	URL     string // empty disables the fallback
	APIKey  string
	Timeout time.Duration
	RPS     float64
}

// MatcherConfig holds product matching and alias learning parameters.
type MatcherConfig struct {
	FuzzyThreshold    float64
	AliasSimilarity   float64
	AliasAddThreshold float64
	PromoteCount      int
	PruneAfter        time.Duration
	SweepInterval     time.Duration
	KeywordsFile      string // optional YAML override of the built-in keyword tables
}

// InventoryConfig holds reconciliation parameters.
type InventoryConfig struct {
	MergeWindow       time.Duration
	DefaultExpiryDays int
	LineTolerance     float64
}

// PipelineConfig holds orchestrator and worker settings.
type PipelineConfig struct {
	Workers         int
	QueueSize       int
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	ReviewThreshold float64 // matches below this confidence require human review
}

// NotifyConfig configures progress event sinks.
type NotifyConfig struct {
	NATSURL       string
	SubjectPrefix string
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	MailFrom      string
	MailTo        []string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	// Persistence
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // Postgres DSN

	// Rate limiting
	RateRPS   float64
	RateBurst int

	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency of uploads
	IdempotencyTTL time.Duration

	Storage    StorageConfig
	Intake     IntakeConfig
	Preprocess PreprocessConfig
	OCR        OCRConfig
	Quality    QualityConfig
	Vision     VisionConfig
	Matcher    MatcherConfig
	Inventory  InventoryConfig
	Pipeline   PipelineConfig
	Notify     NotifyConfig

	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Persistence
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "receipts.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		Security: SecurityConfig{
			EnableHSTS:   getbool("ENABLE_HSTS", false),
			HSTSMaxAge:   getdur("HSTS_MAX_AGE", 180*24*time.Hour),
			CacheControl: getenv("API_CACHE_CONTROL", "private, no-cache"),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Storage: StorageConfig{
			Driver:    strings.ToLower(getenv("STORAGE_DRIVER", "local")),
			Dir:       getenv("STORAGE_DIR", "data/uploads"),
			Bucket:    getenv("S3_BUCKET", ""),
			Region:    getenv("S3_REGION", "eu-central-1"),
			Endpoint:  getenv("S3_ENDPOINT", ""),
			AccessKey: getenv("S3_ACCESS_KEY", ""),
			SecretKey: getenv("S3_SECRET_KEY", ""),
			Prefix:    getenv("S3_PREFIX", "receipts"),
		},

		Intake: IntakeConfig{
			MaxImageBytes: int64(getint("INTAKE_MAX_IMAGE_BYTES", 10<<20)),
			MaxPDFBytes:   int64(getint("INTAKE_MAX_PDF_BYTES", 20<<20)),
			MinDimension:  getint("INTAKE_MIN_DIMENSION", 200),
			MaxDimension:  getint("INTAKE_MAX_DIMENSION", 10000),
			MaxPDFPages:   getint("INTAKE_MAX_PDF_PAGES", 5),
		},

		Preprocess: PreprocessConfig{
			Enabled:        getbool("PREPROCESS_ENABLED", true),
			Steps:          splitCSV(strings.ToLower(getenv("PREPROCESS_STEPS", ""))),
			WorkDir:        getenv("PREPROCESS_WORK_DIR", "data/processed"),
			TargetWidth:    getint("PREPROCESS_TARGET_WIDTH", 1200),
			TargetHeight:   getint("PREPROCESS_TARGET_HEIGHT", 3600),
			ExpectedAspect: getfloat("PREPROCESS_EXPECTED_ASPECT", 0.33),
		},

		OCR: OCRConfig{
			Backends:            splitCSV(strings.ToLower(getenv("OCR_BACKENDS", "tesseract,http"))),
			MaxBackends:         getint("OCR_MAX_BACKENDS", 3),
			ConfidenceThreshold: getfloat("OCR_CONFIDENCE_THRESHOLD", 0.7),
			BackendTimeout:      getdur("OCR_BACKEND_TIMEOUT", 30*time.Second),
			MaxTime:             getdur("OCR_MAX_TIME", 30*time.Second),
			Bonuses:             parseBonuses(getenv("OCR_BACKEND_BONUSES", "tesseract:0.05,http:0.1")),
			TesseractLangs:      splitCSV(getenv("OCR_TESSERACT_LANGS", "pol,eng")),
			HTTPURL:             getenv("OCR_HTTP_URL", ""),
			StaticDir:           getenv("OCR_STATIC_DIR", ""),
		},

		Quality: QualityConfig{
			MinLines:      getint("QUALITY_MIN_LINES", 5),
			MinConfidence: getfloat("QUALITY_MIN_CONFIDENCE", 0.6),
		},

		Vision: VisionConfig{
			URL:     getenv("VISION_URL", ""),
			APIKey:  getenv("VISION_API_KEY", ""),
			Timeout: getdur("VISION_TIMEOUT", 90*time.Second),
			RPS:     getfloat("VISION_RPS", 1.0),
		},

		Matcher: MatcherConfig{
			FuzzyThreshold:    getfloat("MATCH_FUZZY_THRESHOLD", 0.7),
			AliasSimilarity:   getfloat("MATCH_ALIAS_SIMILARITY", 0.95),
			AliasAddThreshold: getfloat("MATCH_ALIAS_ADD_THRESHOLD", 0.8),
			PromoteCount:      getint("ALIAS_PROMOTE_COUNT", 10),
			PruneAfter:        getdur("ALIAS_PRUNE_AFTER", 90*24*time.Hour),
			SweepInterval:     getdur("ALIAS_SWEEP_INTERVAL", time.Hour),
			KeywordsFile:      getenv("KEYWORDS_FILE", ""),
		},

		Inventory: InventoryConfig{
			MergeWindow:       getdur("INVENTORY_MERGE_WINDOW", 72*time.Hour),
			DefaultExpiryDays: getint("INVENTORY_DEFAULT_EXPIRY_DAYS", 30),
			LineTolerance:     getfloat("INVENTORY_LINE_TOLERANCE", 0.05),
		},

		Pipeline: PipelineConfig{
			Workers:         getint("PIPELINE_WORKERS", 4),
			QueueSize:       getint("PIPELINE_QUEUE_SIZE", 100),
			MaxAttempts:     getint("PIPELINE_MAX_ATTEMPTS", 3),
			RetryBaseDelay:  getdur("PIPELINE_RETRY_BASE_DELAY", 2*time.Second),
			RetryMaxDelay:   getdur("PIPELINE_RETRY_MAX_DELAY", 30*time.Second),
			ReviewThreshold: getfloat("PIPELINE_REVIEW_THRESHOLD", 0.75),
		},

		Notify: NotifyConfig{
			NATSURL:       getenv("NATS_URL", ""),
			SubjectPrefix: getenv("NATS_SUBJECT_PREFIX", "receipts.progress"),
			SMTPHost:      getenv("SMTP_HOST", ""),
			SMTPPort:      getint("SMTP_PORT", 587),
			SMTPUser:      getenv("SMTP_USER", ""),
			SMTPPassword:  getenv("SMTP_PASSWORD", ""),
			MailFrom:      getenv("MAIL_FROM", ""),
			MailTo:        splitCSV(getenv("MAIL_TO", "")),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "receipt-pipeline"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" || cfg.DBDriver == "pg" {
		cfg.DBDriver = "postgres"
	}
	if cfg.OCR.MaxBackends <= 0 || cfg.OCR.MaxBackends > len(cfg.OCR.Backends) {
		cfg.OCR.MaxBackends = len(cfg.OCR.Backends)
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	switch cfg.Storage.Driver {
	case "local":
		if strings.TrimSpace(cfg.Storage.Dir) == "" {
			return cfg, errors.New("STORAGE_DIR must not be empty")
		}
	case "s3":
		if strings.TrimSpace(cfg.Storage.Bucket) == "" {
			return cfg, errors.New("S3_BUCKET must be set when STORAGE_DRIVER=s3")
		}
	default:
		return cfg, errors.New("STORAGE_DRIVER must be one of: local, s3")
	}
	if cfg.Intake.MaxImageBytes <= 0 || cfg.Intake.MaxPDFBytes <= 0 {
		return cfg, errors.New("intake size limits must be > 0")
	}
	if cfg.Intake.MinDimension < 1 || cfg.Intake.MaxDimension < cfg.Intake.MinDimension {
		return cfg, errors.New("INTAKE_MIN_DIMENSION must be >= 1 and <= INTAKE_MAX_DIMENSION")
	}
	if cfg.Intake.MaxPDFPages < 1 {
		return cfg, errors.New("INTAKE_MAX_PDF_PAGES must be >= 1")
	}
	if cfg.Preprocess.ExpectedAspect <= 0 {
		return cfg, errors.New("PREPROCESS_EXPECTED_ASPECT must be > 0")
	}
	if cfg.Preprocess.TargetWidth <= 0 || cfg.Preprocess.TargetHeight <= 0 {
		return cfg, errors.New("preprocess target box must be positive")
	}
	if len(cfg.OCR.Backends) == 0 {
		return cfg, errors.New("OCR_BACKENDS must list at least one backend")
	}
	for _, b := range cfg.OCR.Backends {
		switch b {
		case "tesseract", "http", "static":
		default:
			return cfg, errors.New("OCR_BACKENDS entries must be one of: tesseract, http, static")
		}
	}
	if !unit(cfg.OCR.ConfidenceThreshold) {
		return cfg, errors.New("OCR_CONFIDENCE_THRESHOLD must be between 0 and 1")
	}
	if cfg.OCR.BackendTimeout <= 0 || cfg.OCR.MaxTime <= 0 {
		return cfg, errors.New("OCR timeouts must be positive durations")
	}
	if cfg.Quality.MinLines < 0 || !unit(cfg.Quality.MinConfidence) {
		return cfg, errors.New("quality thresholds out of range")
	}
	if cfg.Vision.Timeout <= 0 || cfg.Vision.RPS <= 0 {
		return cfg, errors.New("VISION_TIMEOUT and VISION_RPS must be > 0")
	}
	if !unit(cfg.Matcher.FuzzyThreshold) || !unit(cfg.Matcher.AliasSimilarity) || !unit(cfg.Matcher.AliasAddThreshold) {
		return cfg, errors.New("matcher thresholds must be between 0 and 1")
	}
	if cfg.Matcher.PromoteCount < 1 {
		return cfg, errors.New("ALIAS_PROMOTE_COUNT must be >= 1")
	}
	if cfg.Matcher.PruneAfter <= 0 || cfg.Matcher.SweepInterval <= 0 {
		return cfg, errors.New("alias sweep durations must be positive")
	}
	if cfg.Inventory.MergeWindow < 0 || cfg.Inventory.DefaultExpiryDays < 1 || cfg.Inventory.LineTolerance < 0 {
		return cfg, errors.New("inventory settings out of range")
	}
	if cfg.Pipeline.Workers < 1 || cfg.Pipeline.QueueSize < 1 {
		return cfg, errors.New("PIPELINE_WORKERS and PIPELINE_QUEUE_SIZE must be >= 1")
	}
	if cfg.Pipeline.MaxAttempts < 1 {
		return cfg, errors.New("PIPELINE_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Pipeline.RetryBaseDelay <= 0 || cfg.Pipeline.RetryMaxDelay < cfg.Pipeline.RetryBaseDelay {
		return cfg, errors.New("retry delays must be positive and base <= max")
	}
	if !unit(cfg.Pipeline.ReviewThreshold) {
		return cfg, errors.New("PIPELINE_REVIEW_THRESHOLD must be between 0 and 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func unit(f float64) bool { return f >= 0 && f <= 1 }

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseBonuses reads "name:0.1,other:0.05". Malformed pairs are skipped.
func parseBonuses(s string) map[string]float64 {
	out := make(map[string]float64)
	for _, pair := range splitCSV(s) {
		name, val, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = f
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
