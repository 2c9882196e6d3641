package configuration

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"crosspost/infrastructure/logger"

	"github.com/spf13/viper"
)

type Config struct {
	App          App                    `json:"app"`
	Database     Database               `json:"database"`
	RedisClient  RedisClient            `json:"redisClient"`
	Pubsub       Pubsub                 `json:"pubsub"`
	ServiceBus   ServiceBus             `json:"serviceBus"`
	ObjectStore  ObjectStore            `json:"objectStore"`
	Publish      Publish                `json:"publish"`
	Poller       Poller                 `json:"poller"`
	OAuth        OAuth                  `json:"oauth"`
	Destinations map[string]Destination `json:"destinations"`
	Logger       Logger                 `json:"logger"`
}

type App struct {
	Port        int    `json:"port"`
	SecretKey   string `json:"secretKey"`
	TLSEnabled  bool   `json:"tlsEnabled"`
	TLSCertFile string `json:"tlsCertFile"`
	TLSKeyFile  string `json:"tlsKeyFile"`
	// Storage selects the persistence backend: memory, psql or mssql.
	Storage        string   `json:"storage"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

type Database struct {
	Psql  Db `json:"psql"`
	MySql Db `json:"mysql"`
	Mongo Db `json:"mongo"`
	Mssql Db `json:"mssql"`
	// AccountDialect is the gorm dialect of the account store: postgres or mysql.
	AccountDialect string `json:"accountDialect"`
}

type Db struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslMode"`
}

type Pubsub struct {
	ProjectID string `json:"projectID"`
	TopicID   string `json:"topicID"`
}

type ServiceBus struct {
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`
}

type RedisClient struct {
	Host         string `json:"host"`
	Port         string `json:"port"`
	Password     string `json:"password"`
	DatabaseName string `json:"databaseName"`
	Username     string `json:"username"`
}

type ObjectStore struct {
	// Backend is s3 or local.
	Backend   string `json:"backend"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	LocalPath string `json:"localPath"`
	// ChunkSize is the part size in bytes for chunked transfers.
	ChunkSize   int64         `json:"chunkSize"`
	Concurrency int           `json:"concurrency"`
	PartRetries int           `json:"partRetries"`
	Liveness    time.Duration `json:"liveness"`
	PresignTTL  time.Duration `json:"presignTTL"`
}

type Publish struct {
	Workers           int           `json:"workers"`
	QueueSize         int           `json:"queueSize"`
	AuthorizeAttempts int           `json:"authorizeAttempts"`
	TransferAttempts  int           `json:"transferAttempts"`
	FinalizeAttempts  int           `json:"finalizeAttempts"`
	DispatchInterval  time.Duration `json:"dispatchInterval"`
	RetryBase         time.Duration `json:"retryBase"`
	RateLimitBackoff  time.Duration `json:"rateLimitBackoff"`
}

type Poller struct {
	MinAge    time.Duration   `json:"minAge"`
	Intervals []time.Duration `json:"intervals"`
	Horizon   time.Duration   `json:"horizon"`
	Interval  time.Duration   `json:"interval"`
	BatchSize int             `json:"batchSize"`
}

type OAuth struct {
	RefreshSkew time.Duration `json:"refreshSkew"`
	StateTTL    time.Duration `json:"stateTTL"`
}

// Destination is the injected configuration of one compiled-in adapter.
type Destination struct {
	Enabled            bool     `json:"enabled"`
	ClientID           string   `json:"clientId"`
	ClientSecret       string   `json:"clientSecret"`
	RedirectURI        string   `json:"redirectURI"`
	Scopes             []string `json:"scopes"`
	APIBaseURL         string   `json:"apiBaseURL"`
	AuthBaseURL        string   `json:"authBaseURL"`
	RateLimitPerSecond float64  `json:"rateLimitPerSecond"`
	Burst              int      `json:"burst"`
	WebhookSecret      string   `json:"webhookSecret"`
}

type Logger struct {
	Format string `json:"format"`
	Level  string `json:"level"`
}

var C Config

func init() {
	LoadEnvFromFile(".env", "config.env")
	LoadConfig()
	initDatabase(&C)
	initApp(&C)
	initObjectStore(&C)
	initPublish(&C)
	initDestinations(&C)
	if C.Logger.Level != "" {
		logger.SetLevel(C.Logger.Level)
	}
}

func LoadConfig() {
	name := getConfig()
	viper.SetConfigName(name)
	viper.SetConfigType("json")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../")
	viper.AddConfigPath("../../")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.GetLogger().Warn("Config file not found")
		} else {
			logger.GetLogger().WithField("error", err).Error("Error reading config file")
		}
	}

	logger.GetLogger().WithField("config", name).Info("Config set up successfully")
	if err := viper.Unmarshal(&C); err != nil {
		logger.GetLogger().WithField("error", err).Error("Viper unable to decode into struct")
	}
}

func getConfig() string {
	name := "config"
	env := os.Getenv("ENV")
	if env != "" {
		name = fmt.Sprintf("%s-%s", name, env)
	}
	return name
}

func initDatabase(C *Config) {
	C.Database.Psql.Name = getConfigValue(C.Database.Psql.Name, "DB_NAME", "crosspost")
	C.Database.Psql.Host = getConfigValue(C.Database.Psql.Host, "DB_HOST", "localhost")
	C.Database.Psql.Port = getConfigValue(C.Database.Psql.Port, "DB_PORT", "5432")
	C.Database.Psql.User = getConfigValue(C.Database.Psql.User, "DB_USER", "postgres")
	C.Database.Psql.Password = getConfigValue(C.Database.Psql.Password, "DB_PASSWORD", "")
	C.Database.Psql.SSLMode = getConfigValue(C.Database.Psql.SSLMode, "DB_SSLMODE", "disable")

	// Optional MSSQL config via environment variables (for Azure SQL in production)
	C.Database.Mssql.Name = getConfigValue(C.Database.Mssql.Name, "MSSQL_DB_NAME", "")
	C.Database.Mssql.Host = getConfigValue(C.Database.Mssql.Host, "MSSQL_HOST", "localhost")
	C.Database.Mssql.Port = getConfigValue(C.Database.Mssql.Port, "MSSQL_PORT", "1433")
	C.Database.Mssql.User = getConfigValue(C.Database.Mssql.User, "MSSQL_USER", "sa")
	C.Database.Mssql.Password = getConfigValue(C.Database.Mssql.Password, "MSSQL_PASSWORD", "")

	C.Database.AccountDialect = getConfigValue(C.Database.AccountDialect, "ACCOUNT_DB_DIALECT", "postgres")
	C.Database.Mongo.Host = getConfigValue(C.Database.Mongo.Host, "MONGO_URI", "")
	C.Database.Mongo.Name = getConfigValue(C.Database.Mongo.Name, "MONGO_DB_NAME", "crosspost")
}

func initApp(C *Config) {
	// Prefer SECRET_KEY from environment for JWT verification; overrides config file when provided
	if v := os.Getenv("SECRET_KEY"); v != "" {
		C.App.SecretKey = v
	}
	// Port resolution order (env overrides config): APP_PORT -> PORT -> config -> default 10001
	if v := os.Getenv("APP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			C.App.Port = p
		}
	} else if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			C.App.Port = p
		}
	}
	if C.App.Port == 0 {
		C.App.Port = 10001
	}
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		switch v {
		case "1", "true", "TRUE", "True":
			C.App.TLSEnabled = true
		case "0", "false", "FALSE", "False":
			C.App.TLSEnabled = false
		}
	}
	if C.App.TLSCertFile == "" {
		C.App.TLSCertFile = os.Getenv("TLS_CERT_FILE")
	}
	if C.App.TLSKeyFile == "" {
		C.App.TLSKeyFile = os.Getenv("TLS_KEY_FILE")
	}
	C.App.Storage = strings.ToLower(getConfigValue(C.App.Storage, "STORAGE", "memory"))
	if v := os.Getenv("DB_VENDOR"); v == "mssql" {
		C.App.Storage = "mssql"
	}
	if len(C.App.AllowedOrigins) == 0 {
		C.App.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if C.App.TLSEnabled {
		logger.GetLogger().WithFields(map[string]interface{}{"cert": C.App.TLSCertFile, "key": C.App.TLSKeyFile}).Info("TLS enabled via configuration")
	}
	if C.App.SecretKey == "" {
		logger.GetLogger().Warn("App.SecretKey not set; JWT authentication will fail. Provide SECRET_KEY via environment.")
	}
}

func initObjectStore(C *Config) {
	o := &C.ObjectStore
	o.Backend = strings.ToLower(getConfigValue(o.Backend, "OBJECT_STORE", "local"))
	o.Bucket = getConfigValue(o.Bucket, "S3_BUCKET", "")
	o.Region = getConfigValue(o.Region, "S3_REGION", "us-east-1")
	o.Endpoint = getConfigValue(o.Endpoint, "S3_ENDPOINT", "")
	o.AccessKey = getConfigValue(o.AccessKey, "S3_ACCESS_KEY", "")
	o.SecretKey = getConfigValue(o.SecretKey, "S3_SECRET_KEY", "")
	o.LocalPath = getConfigValue(o.LocalPath, "LOCAL_STORE_PATH", "./data/objects")
	if o.ChunkSize <= 0 {
		o.ChunkSize = 8 << 20
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.PartRetries <= 0 {
		o.PartRetries = 5
	}
	if o.Liveness <= 0 {
		o.Liveness = time.Hour
	}
	if o.PresignTTL <= 0 {
		o.PresignTTL = 30 * time.Minute
	}
}

func initPublish(C *Config) {
	p := &C.Publish
	if p.Workers <= 0 {
		p.Workers = 8
	}
	if p.QueueSize <= 0 {
		p.QueueSize = p.Workers * 4
	}
	if p.AuthorizeAttempts <= 0 {
		p.AuthorizeAttempts = 3
	}
	if p.TransferAttempts <= 0 {
		p.TransferAttempts = 3
	}
	if p.FinalizeAttempts <= 0 {
		p.FinalizeAttempts = 3
	}
	if p.DispatchInterval <= 0 {
		p.DispatchInterval = 2 * time.Second
	}
	if p.RetryBase <= 0 {
		p.RetryBase = time.Second
	}
	if p.RateLimitBackoff <= 0 {
		p.RateLimitBackoff = 30 * time.Second
	}

	q := &C.Poller
	if q.MinAge <= 0 {
		q.MinAge = 5 * time.Second
	}
	if len(q.Intervals) == 0 {
		q.Intervals = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}
	}
	if q.Horizon <= 0 {
		q.Horizon = 24 * time.Hour
	}
	if q.Interval <= 0 {
		q.Interval = 5 * time.Second
	}
	if q.BatchSize <= 0 {
		q.BatchSize = 100
	}

	if C.OAuth.RefreshSkew <= 0 {
		C.OAuth.RefreshSkew = 5 * time.Minute
	}
	if C.OAuth.StateTTL <= 0 {
		C.OAuth.StateTTL = 10 * time.Minute
	}
}

// initDestinations fills per-destination credentials from the environment,
// e.g. YOUTUBE_CLIENT_ID or TIKTOK_WEBHOOK_SECRET.
func initDestinations(C *Config) {
	if C.Destinations == nil {
		C.Destinations = map[string]Destination{}
	}
	scheme := "http"
	if C.App.TLSEnabled {
		scheme = "https"
	}
	for _, name := range []string{"youtube", "facebook", "tiktok"} {
		d := C.Destinations[name]
		prefix := strings.ToUpper(name) + "_"
		d.ClientID = getConfigValue(d.ClientID, prefix+"CLIENT_ID", "")
		d.ClientSecret = getConfigValue(d.ClientSecret, prefix+"CLIENT_SECRET", "")
		d.RedirectURI = getConfigValue(d.RedirectURI, prefix+"REDIRECT_URL",
			fmt.Sprintf("%s://localhost:%d/auth/%s/callback", scheme, C.App.Port, name))
		d.WebhookSecret = getConfigValue(d.WebhookSecret, prefix+"WEBHOOK_SECRET", "")
		if C.App.TLSEnabled && !hasHTTPS(d.RedirectURI) {
			d.RedirectURI = toHTTPSCallback(d.RedirectURI)
		}
		if d.ClientID != "" && os.Getenv(prefix+"ENABLED") != "false" {
			d.Enabled = true
		}
		C.Destinations[name] = d
	}
}

// getConfigValue gets value from config first, then environment variable, then default
func getConfigValue(configValue, envKey, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" && !strings.HasPrefix(configValue, "YOUR_") {
		return configValue
	}
	return defaultValue
}

// helpers to coerce local callback to https
func hasHTTPS(u string) bool { return strings.HasPrefix(u, "https://") }
func toHTTPSCallback(u string) string {
	if strings.HasPrefix(u, "http://") {
		return "https://" + u[7:]
	}
	return u
}
