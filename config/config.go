// This package defines a common config struct which can be used by any subsystem within go-chime.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const DefaultSigninURL = "https://signin.id.ue1.app.chime.aws/"

type Config struct {
	Debug            bool
	RootDir          string
	LoggingPrefix    string
	SigninURL        string
	RequestTimeoutMs int64

	// Fields sent in the device-registration payload. The service does
	// not verify them against a real device.
	DevicePlatform     string
	DeviceToken        string
	UAChannelToken     string
	DeviceCapabilities int64

	// Page size for membership, message and room backfills.
	PageSize int

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithSigninURL(u string) Option {
	return func(c *Config) {
		c.SigninURL = u
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithDeviceToken(t string) Option {
	return func(c *Config) {
		c.DeviceToken = t
	}
}

func WithPageSize(n int) Option {
	return func(c *Config) {
		c.PageSize = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:            os.Getenv("DEBUG") == "1",
		RootDir:          ".",
		LoggingPrefix:    "",
		SigninURL:        DefaultSigninURL,
		RequestTimeoutMs: 30000,

		DevicePlatform:     "android",
		DeviceToken:        "not-a-real-device-not-even-android",
		UAChannelToken:     "blah42",
		DeviceCapabilities: 1234,

		PageSize: 50,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
