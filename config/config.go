package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/comfynaut/comfynaut/client"
	"github.com/comfynaut/comfynaut/graphapi"
	"github.com/comfynaut/comfynaut/pipeline"
)

// EnvPrefix prefixes every environment override, e.g. COMFYNAUT_COMFY_HOST
const EnvPrefix = "COMFYNAUT"

type Config struct {
	Listen        string          `mapstructure:"listen"`
	PublicURL     string          `mapstructure:"public_url"`
	QualitySuffix string          `mapstructure:"quality_suffix"`
	Comfy         ComfyConfig     `mapstructure:"comfy"`
	Templates     TemplateConfig  `mapstructure:"templates"`
	Tracker       TrackerSettings `mapstructure:"tracker"`
	Log           LogConfig       `mapstructure:"log"`
	Marathon      MarathonConfig  `mapstructure:"marathon"`
}

type ComfyConfig struct {
	Scheme string `mapstructure:"scheme"`
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
}

type TemplateConfig struct {
	Dir       string `mapstructure:"dir"`
	Dream     string `mapstructure:"dream"`
	Img2Img   string `mapstructure:"img2img"`
	Img2Vid   string `mapstructure:"img2vid"`
	CacheSize int    `mapstructure:"cache_size"`
}

type ModeSettings struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

type TrackerSettings struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	Image          ModeSettings  `mapstructure:"image"`
	Video          ModeSettings  `mapstructure:"video"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MarathonConfig struct {
	MaxCount int `mapstructure:"max_count"`
}

func Defaults() Config {
	tc := client.DefaultTrackerConfig()
	po := pipeline.DefaultOptions()
	return Config{
		Listen:        ":8000",
		QualitySuffix: graphapi.DefaultQualitySuffix,
		Comfy: ComfyConfig{
			Scheme: "http",
			Host:   "127.0.0.1",
			Port:   8188,
		},
		Templates: TemplateConfig{
			Dir:       "templates",
			Dream:     po.DreamTemplate,
			Img2Img:   po.Img2ImgTemplate,
			Img2Vid:   po.Img2VidTemplate,
			CacheSize: graphapi.DefaultTemplateCacheSize,
		},
		Tracker: TrackerSettings{
			ConnectTimeout: tc.ConnectTimeout,
			ReceiveTimeout: tc.ReceiveTimeout,
			Image:          ModeSettings(tc.Image),
			Video:          ModeSettings(tc.Video),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Marathon: MarathonConfig{
			MaxCount: 20,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("public_url", d.PublicURL)
	v.SetDefault("quality_suffix", d.QualitySuffix)
	v.SetDefault("comfy.scheme", d.Comfy.Scheme)
	v.SetDefault("comfy.host", d.Comfy.Host)
	v.SetDefault("comfy.port", d.Comfy.Port)
	v.SetDefault("templates.dir", d.Templates.Dir)
	v.SetDefault("templates.dream", d.Templates.Dream)
	v.SetDefault("templates.img2img", d.Templates.Img2Img)
	v.SetDefault("templates.img2vid", d.Templates.Img2Vid)
	v.SetDefault("templates.cache_size", d.Templates.CacheSize)
	v.SetDefault("tracker.connect_timeout", d.Tracker.ConnectTimeout)
	v.SetDefault("tracker.receive_timeout", d.Tracker.ReceiveTimeout)
	v.SetDefault("tracker.image.timeout", d.Tracker.Image.Timeout)
	v.SetDefault("tracker.image.poll_interval", d.Tracker.Image.PollInterval)
	v.SetDefault("tracker.image.settle_delay", d.Tracker.Image.SettleDelay)
	v.SetDefault("tracker.video.timeout", d.Tracker.Video.Timeout)
	v.SetDefault("tracker.video.poll_interval", d.Tracker.Video.PollInterval)
	v.SetDefault("tracker.video.settle_delay", d.Tracker.Video.SettleDelay)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("marathon.max_count", d.Marathon.MaxCount)
}

// New returns a viper instance with defaults, environment overrides and the optional
// config file at path. With an empty path ./comfynaut.yaml is used when present.
func New(path string) (*viper.Viper, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// COMFY_API_HOST is where the chat front-end reaches this API
	_ = v.BindEnv("public_url", EnvPrefix+"_PUBLIC_URL", "COMFY_API_HOST")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("comfynaut")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration, see New
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Comfy.Host == "" {
		return errors.New("comfy.host is required")
	}
	if c.Comfy.Port <= 0 || c.Comfy.Port > 65535 {
		return fmt.Errorf("comfy.port %d out of range", c.Comfy.Port)
	}
	if c.Comfy.Scheme != "http" && c.Comfy.Scheme != "https" {
		return fmt.Errorf("comfy.scheme must be http or https, got %q", c.Comfy.Scheme)
	}
	if c.Templates.Dir == "" {
		return errors.New("templates.dir is required")
	}
	for name, d := range map[string]time.Duration{
		"tracker.connect_timeout":     c.Tracker.ConnectTimeout,
		"tracker.receive_timeout":     c.Tracker.ReceiveTimeout,
		"tracker.image.timeout":       c.Tracker.Image.Timeout,
		"tracker.image.poll_interval": c.Tracker.Image.PollInterval,
		"tracker.video.timeout":       c.Tracker.Video.Timeout,
		"tracker.video.poll_interval": c.Tracker.Video.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Marathon.MaxCount <= 0 {
		return errors.New("marathon.max_count must be positive")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ComfyURL is the backend base address
func (c *Config) ComfyURL() string {
	return c.Comfy.Scheme + "://" + net.JoinHostPort(c.Comfy.Host, strconv.Itoa(c.Comfy.Port))
}

func (c *Config) TrackerConfig() client.TrackerConfig {
	return client.TrackerConfig{
		ConnectTimeout: c.Tracker.ConnectTimeout,
		ReceiveTimeout: c.Tracker.ReceiveTimeout,
		Image:          client.ModeConfig(c.Tracker.Image),
		Video:          client.ModeConfig(c.Tracker.Video),
	}
}

func (c *Config) BuilderConfig() graphapi.BuilderConfig {
	bc := graphapi.DefaultBuilderConfig()
	bc.QualitySuffix = c.QualitySuffix
	return bc
}

func (c *Config) PipelineOptions(logger *slog.Logger) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.DreamTemplate = c.Templates.Dream
	opts.Img2ImgTemplate = c.Templates.Img2Img
	opts.Img2VidTemplate = c.Templates.Img2Vid
	opts.Logger = logger
	return opts
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger from the log section
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Log.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
}
