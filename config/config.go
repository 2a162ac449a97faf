package config

import (
	"database/sql"
	"errors"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	MinIOBucket string        `yaml:"minio_bucket"`
	App         App           `yaml:"app"`
	DB          *sql.DB       `yaml:"db"`
	Queue       *RabbitMQ     `yaml:"rabbitmq"`
	Storage     *minio.Client `yaml:"storage"`
	// LocalStorageRoot is used for objects when MinIO is disabled.
	LocalStorageRoot string                `yaml:"local_storage_root"`
	Redis            redis.UniversalClient `yaml:"redis"`
	RedisPrefix      string                `yaml:"redis_prefix"`
	Server           Server                `yaml:"server"`
	Processing       Processing            `yaml:"processing"`
	Upload           Upload                `yaml:"upload"`
	Webhook          Webhook               `yaml:"webhook"`
}

type App struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
}

type RabbitMQ struct {
	Enabled      bool   `json:"enabled"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
	MaxAttempts  int    `json:"max_attempts"`
}

type Processing struct {
	ScratchRoot       string        `yaml:"scratch_root"`
	VideoWorkers      int           `yaml:"video_workers"`
	StandaloneWorkers int           `yaml:"standalone_workers"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	Resolutions       []int         `yaml:"resolutions"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryMax          time.Duration `yaml:"retry_max"`
	PruneAfter        time.Duration `yaml:"prune_after"`
	FFmpegPath        string        `yaml:"ffmpeg_path"`
	FFprobePath       string        `yaml:"ffprobe_path"`
}

type Upload struct {
	ScratchDir    string        `yaml:"scratch_dir"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxPartSize   int64         `yaml:"max_part_size"`
}

type Webhook struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "develop")
	v.SetDefault("server.port", "8080")
	v.SetDefault("minio.enabled", true)
	v.SetDefault("minio.bucket", "media")
	v.SetDefault("storage.local_root", "./data/objects")
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.prefix", "video")
	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.kind", "direct")
	v.SetDefault("rabbitmq.exchange_name", "media_exchange")
	v.SetDefault("rabbitmq.max_attempts", 5)
	v.SetDefault("processing.scratch_root", "./data/processing")
	v.SetDefault("processing.video_workers", 2)
	v.SetDefault("processing.standalone_workers", 2)
	v.SetDefault("processing.job_timeout", 2*time.Hour)
	v.SetDefault("processing.resolutions", []int{360, 480, 720, 1080})
	v.SetDefault("processing.max_attempts", 5)
	v.SetDefault("processing.retry_base", time.Second)
	v.SetDefault("processing.retry_max", time.Minute)
	v.SetDefault("processing.prune_after", time.Hour)
	v.SetDefault("processing.ffmpeg_path", "ffmpeg")
	v.SetDefault("processing.ffprobe_path", "ffprobe")
	v.SetDefault("upload.scratch_dir", "./data/uploads")
	v.SetDefault("upload.session_ttl", 24*time.Hour)
	v.SetDefault("upload.sweep_interval", 10*time.Minute)
	v.SetDefault("upload.max_part_size", 64<<20)
	v.SetDefault("webhook.timeout", 10*time.Second)
}

// Load reads config.yaml from path, with MEDIA_* environment variables (and a .env file next to
// the config) taking precedence, and builds the database, storage and queue clients.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MEDIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	err := v.ReadInConfig()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", v.GetString("postgres.dsn"))
	if err != nil {
		return nil, err
	}

	rabbitmq := &RabbitMQ{
		Enabled:      v.GetBool("rabbitmq.enabled"),
		Host:         v.GetString("rabbitmq.host"),
		Port:         v.GetInt("rabbitmq.port"),
		User:         v.GetString("rabbitmq.user"),
		Pass:         v.GetString("rabbitmq.pass"),
		ExchangeName: v.GetString("rabbitmq.exchange_name"),
		Kind:         v.GetString("rabbitmq.kind"),
		MaxAttempts:  v.GetInt("rabbitmq.max_attempts"),
	}

	var minioClient *minio.Client
	if v.GetBool("minio.enabled") {
		minioClient, err = minio.New(v.GetString("minio.url"), &minio.Options{
			Creds:  credentials.NewStaticV4(v.GetString("minio.access_id"), v.GetString("minio.secret_access_key"), ""),
			Secure: v.GetBool("minio.secure"),
		})
		if err != nil {
			return nil, err
		}
	}

	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      v.GetStringSlice("redis.addrs"),
		MasterName: v.GetString("redis.master_name"),
		Password:   v.GetString("redis.password"),
		DB:         v.GetInt("redis.db"),
		MaxRetries: 2,
	})

	return &Config{
		MinIOBucket: v.GetString("minio.bucket"),
		App: App{
			Environment: v.GetString("app.environment"),
			Host:        v.GetString("app.host"),
			Protocol:    v.GetString("app.protocol"),
		},
		Server: Server{
			HttpPort: v.GetString("server.port"),
		},
		DB:               db,
		Queue:            rabbitmq,
		Storage:          minioClient,
		LocalStorageRoot: v.GetString("storage.local_root"),
		Redis:            redisClient,
		RedisPrefix:      v.GetString("redis.prefix"),
		Processing: Processing{
			ScratchRoot:       v.GetString("processing.scratch_root"),
			VideoWorkers:      v.GetInt("processing.video_workers"),
			StandaloneWorkers: v.GetInt("processing.standalone_workers"),
			JobTimeout:        v.GetDuration("processing.job_timeout"),
			Resolutions:       v.GetIntSlice("processing.resolutions"),
			MaxAttempts:       v.GetInt("processing.max_attempts"),
			RetryBase:         v.GetDuration("processing.retry_base"),
			RetryMax:          v.GetDuration("processing.retry_max"),
			PruneAfter:        v.GetDuration("processing.prune_after"),
			FFmpegPath:        v.GetString("processing.ffmpeg_path"),
			FFprobePath:       v.GetString("processing.ffprobe_path"),
		},
		Upload: Upload{
			ScratchDir:    v.GetString("upload.scratch_dir"),
			SessionTTL:    v.GetDuration("upload.session_ttl"),
			SweepInterval: v.GetDuration("upload.sweep_interval"),
			MaxPartSize:   v.GetInt64("upload.max_part_size"),
		},
		Webhook: Webhook{
			URL:     v.GetString("webhook.url"),
			Timeout: v.GetDuration("webhook.timeout"),
		},
	}, nil
}

// Close releases the clients built by Load.
func (c *Config) Close() error {
	var errs []error
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	return errors.Join(errs...)
}
