package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "LOOKBOOK"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Segment  SegmentConfig  `mapstructure:"segment"`
	Geometry GeometryConfig `mapstructure:"geometry"`
	Encode   EncodeConfig   `mapstructure:"encode"`
	Loader   LoaderConfig   `mapstructure:"loader"`
	Matting  MattingConfig  `mapstructure:"matting"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

type UploadConfig struct {
	MaxSize int64 `mapstructure:"max_size"`
	// MaxPixels 解码前检查的宽×高上限
	MaxPixels int `mapstructure:"max_pixels"`
}

type SegmentConfig struct {
	MinRatio      float64       `mapstructure:"min_ratio"`
	Iterations    int           `mapstructure:"iterations"`
	Components    int           `mapstructure:"components"`
	BlurSigma     float64       `mapstructure:"blur_sigma"`
	MaxSize       int           `mapstructure:"max_size"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
}

type GeometryConfig struct {
	CanvasWidth  int     `mapstructure:"canvas_width"`
	CanvasHeight int     `mapstructure:"canvas_height"`
	BoxWidth     int     `mapstructure:"box_width"`
	BoxHeight    int     `mapstructure:"box_height"`
	YOffset      float64 `mapstructure:"y_offset"`
	// MaxSide 单品缩放旋转后的最长边，0 表示按画布推算
	MaxSide int `mapstructure:"max_side"`
}

type EncodeConfig struct {
	TargetKB     int `mapstructure:"target_kb"`
	StartQuality int `mapstructure:"start_quality"`
	Step         int `mapstructure:"step"`
	FloorQuality int `mapstructure:"floor_quality"`
}

type LoaderConfig struct {
	Root         string        `mapstructure:"root"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	PurgeSpec    string        `mapstructure:"purge_spec"`
	Workers      int           `mapstructure:"workers"`
	MaxBytes     int64         `mapstructure:"max_bytes"`
}

type MattingConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Load 从 YAML 文件加载配置，环境变量 LOOKBOOK_<SECTION>_<KEY> 优先
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return unmarshal(v)
}

// New 使用默认配置路径加载配置，文件不存在时只使用默认值和环境变量
func New() *Config {
	cfg, err := Load("config.yaml")
	if err == nil {
		return cfg
	}
	if cfg, err = unmarshal(newViper()); err == nil {
		return cfg
	}
	return Default()
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)
	v.SetDefault("redis.prefix", d.Redis.Prefix)

	v.SetDefault("upload.max_size", d.Upload.MaxSize)
	v.SetDefault("upload.max_pixels", d.Upload.MaxPixels)

	v.SetDefault("segment.min_ratio", d.Segment.MinRatio)
	v.SetDefault("segment.iterations", d.Segment.Iterations)
	v.SetDefault("segment.components", d.Segment.Components)
	v.SetDefault("segment.blur_sigma", d.Segment.BlurSigma)
	v.SetDefault("segment.max_size", d.Segment.MaxSize)
	v.SetDefault("segment.max_concurrent", d.Segment.MaxConcurrent)
	v.SetDefault("segment.queue_timeout", d.Segment.QueueTimeout)

	v.SetDefault("geometry.canvas_width", d.Geometry.CanvasWidth)
	v.SetDefault("geometry.canvas_height", d.Geometry.CanvasHeight)
	v.SetDefault("geometry.box_width", d.Geometry.BoxWidth)
	v.SetDefault("geometry.box_height", d.Geometry.BoxHeight)
	v.SetDefault("geometry.y_offset", d.Geometry.YOffset)
	v.SetDefault("geometry.max_side", d.Geometry.MaxSide)

	v.SetDefault("encode.target_kb", d.Encode.TargetKB)
	v.SetDefault("encode.start_quality", d.Encode.StartQuality)
	v.SetDefault("encode.step", d.Encode.Step)
	v.SetDefault("encode.floor_quality", d.Encode.FloorQuality)

	v.SetDefault("loader.root", d.Loader.Root)
	v.SetDefault("loader.fetch_timeout", d.Loader.FetchTimeout)
	v.SetDefault("loader.cache_ttl", d.Loader.CacheTTL)
	v.SetDefault("loader.purge_spec", d.Loader.PurgeSpec)
	v.SetDefault("loader.workers", d.Loader.Workers)
	v.SetDefault("loader.max_bytes", d.Loader.MaxBytes)

	v.SetDefault("matting.enabled", d.Matting.Enabled)
	v.SetDefault("matting.base_url", d.Matting.BaseURL)
	v.SetDefault("matting.poll_interval", d.Matting.PollInterval)
	v.SetDefault("matting.timeout", d.Matting.Timeout)
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Enabled: true,
			Addr:    "localhost:6379",
			TTL:     24 * time.Hour,
			Prefix:  "lookbook:cutout:",
		},
		Upload: UploadConfig{
			MaxSize:   10 * 1024 * 1024,
			MaxPixels: 50_000_000,
		},
		Segment: SegmentConfig{
			MinRatio:      0.01,
			Iterations:    3,
			Components:    5,
			BlurSigma:     0.8,
			MaxSize:       1000,
			MaxConcurrent: 3,
			QueueTimeout:  30 * time.Second,
		},
		Geometry: GeometryConfig{
			CanvasWidth:  600,
			CanvasHeight: 750,
			BoxWidth:     160,
			BoxHeight:    200,
			YOffset:      40,
		},
		Encode: EncodeConfig{
			TargetKB:     100,
			StartQuality: 95,
			Step:         5,
			FloorQuality: 5,
		},
		Loader: LoaderConfig{
			Root:         "./items",
			FetchTimeout: 5 * time.Second,
			CacheTTL:     10 * time.Minute,
			PurgeSpec:    "@every 10m",
			Workers:      4,
			MaxBytes:     20 * 1024 * 1024,
		},
		Matting: MattingConfig{
			Enabled:      false,
			BaseURL:      "http://127.0.0.1:8188/",
			PollInterval: 500 * time.Millisecond,
			Timeout:      60 * time.Second,
		},
	}
}
