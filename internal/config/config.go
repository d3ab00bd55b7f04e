package config

import (
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Host           string   `yaml:"host"`
		Port           int      `yaml:"port"`
		Env            string   `yaml:"env"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Database struct {
		DSN string `yaml:"url"`
	} `yaml:"database"`

	Device struct {
		Address             string `yaml:"address"` // host:8728
		Username            string `yaml:"username"`
		Password            string `yaml:"password"`
		CredentialGroup     string `yaml:"credential_group"`
		DefaultDownloadMbps int    `yaml:"default_download_mbps"`
		DefaultUploadMbps   int    `yaml:"default_upload_mbps"`
		TimeoutSeconds      int    `yaml:"timeout_seconds"`
		RetryAttempts       int    `yaml:"retry_attempts"`
		RetryBackoffMS      int    `yaml:"retry_backoff_ms"`
	} `yaml:"device"`

	Gateway struct {
		BaseURL         string `yaml:"base_url"`
		ConsumerKey     string `yaml:"consumer_key"`
		ConsumerSecret  string `yaml:"consumer_secret"`
		TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
	} `yaml:"gateway"`

	Reconcile struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		AlertThreshold  int `yaml:"alert_threshold"`
	} `yaml:"reconcile"`

	Email struct {
		SMTPHost        string   `yaml:"smtp_host"`
		SMTPPort        int      `yaml:"smtp_port"`
		SMTPUsername    string   `yaml:"smtp_user"`
		SMTPPassword    string   `yaml:"smtp_password"`
		FromEmail       string   `yaml:"from_email"`
		FromName        string   `yaml:"from_name"`
		UseTLS          bool     `yaml:"use_tls"`
		AlertRecipients []string `yaml:"alert_recipients"`
	} `yaml:"email"`

	JWT struct {
		Secret string `yaml:"secret"`
		TTL    int    `yaml:"ttl"`
	} `yaml:"jwt"`

	Storage struct {
		Type      string `yaml:"type"`       // local, s3, cloudflare_r2
		BasePath  string `yaml:"base_path"`  // For local storage
		Bucket    string `yaml:"bucket"`     // For S3/R2
		Region    string `yaml:"region"`     // For S3
		AccessKey string `yaml:"access_key"` // For S3/R2
		SecretKey string `yaml:"secret_key"` // For S3/R2
		Endpoint  string `yaml:"endpoint"`   // For R2 or custom S3
	} `yaml:"storage"`

	Archive struct {
		Enabled bool   `yaml:"enabled"`
		Prefix  string `yaml:"prefix"`
		HourUTC int    `yaml:"hour_utc"`
	} `yaml:"archive"`
}

var AppConfig *Config

func LoadConfig() {
	var cfg Config

	dbURL := os.Getenv("DATABASE_URL")
	serverEnv := os.Getenv("SERVER_ENV")
	portStr := os.Getenv("SERVER_PORT")
	jwtSecret := os.Getenv("JWT_SECRET")

	if dbURL == "" {
		log.Println("Loading configuration from config.yaml")

		configPath := os.Getenv("CONFIG_PATH")
		if configPath == "" {
			configPath = "config/config.yaml"
		}

		f, err := os.Open(configPath)
		if err != nil {
			log.Fatalf("Failed to open config file at %s: %v", configPath, err)
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			log.Fatalf("Failed to parse config file at %s: %v", configPath, err)
		}

		applyDefaults(&cfg)
		AppConfig = &cfg
		return
	}

	log.Println("Loading configuration from environment (test mode)")

	cfg.Database.DSN = dbURL
	cfg.Server.Env = serverEnv
	cfg.Server.Port, _ = strconv.Atoi(portStr)
	cfg.JWT.Secret = jwtSecret
	cfg.JWT.TTL = 60

	cfg.Device.Address = os.Getenv("DEVICE_ADDRESS")
	cfg.Device.Username = os.Getenv("DEVICE_USERNAME")
	cfg.Device.Password = os.Getenv("DEVICE_PASSWORD")

	cfg.Gateway.BaseURL = os.Getenv("GATEWAY_BASE_URL")
	cfg.Gateway.ConsumerKey = "test-key"
	cfg.Gateway.ConsumerSecret = "test-secret"

	cfg.Email.SMTPHost = "smtp.test.com"
	cfg.Email.SMTPPort = 587
	cfg.Email.FromEmail = "alerts@ovinet.test"

	cfg.Storage.Type = "local"
	cfg.Storage.BasePath = "./archive"

	applyDefaults(&cfg)
	AppConfig = &cfg
}

// applyDefaults fills the values the coordinator relies on when the file or
// environment leaves them unset.
func applyDefaults(cfg *Config) {
	if cfg.Device.CredentialGroup == "" {
		cfg.Device.CredentialGroup = "billing-users"
	}
	if cfg.Device.DefaultDownloadMbps == 0 {
		cfg.Device.DefaultDownloadMbps = 50
	}
	if cfg.Device.DefaultUploadMbps == 0 {
		cfg.Device.DefaultUploadMbps = 10
	}
	if cfg.Device.TimeoutSeconds == 0 {
		cfg.Device.TimeoutSeconds = 10
	}
	if cfg.Device.RetryAttempts == 0 {
		cfg.Device.RetryAttempts = 4
	}
	if cfg.Device.RetryBackoffMS == 0 {
		cfg.Device.RetryBackoffMS = 250
	}
	if cfg.Gateway.TokenTTLMinutes == 0 {
		cfg.Gateway.TokenTTLMinutes = 50
	}
	if cfg.Reconcile.IntervalSeconds == 0 {
		cfg.Reconcile.IntervalSeconds = 300
	}
	if cfg.Reconcile.AlertThreshold == 0 {
		cfg.Reconcile.AlertThreshold = 3
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "audit"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
}

func GetConfig() *Config {
	if AppConfig == nil {
		LoadConfig()
	}
	return AppConfig
}
