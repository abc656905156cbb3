package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env  string `validate:"required,oneof=dev prod"`
	HTTP struct {
		Addr string `validate:"required"`
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	Store struct {
		Driver      string `validate:"required,oneof=sqlite postgres"`
		SQLitePath  string `validate:"required_if=Driver sqlite"`
		PostgresDSN string `validate:"required_if=Driver postgres"`
	}
	Executor struct {
		Shell     string `validate:"required"`
		ScriptDir string
		Overlap   string `validate:"required,oneof=skip delay"`
	}
	Scheduler struct {
		Location *time.Location `validate:"required"`
	}
	Events struct {
		Buffer     int64   `validate:"gte=0"`
		RatePerSec float64 `validate:"gte=0"`
	}
	Notify struct {
		WebhookURL string `validate:"omitempty,url"`
	}
	Telegram struct {
		Token        string
		AllowedIDs   []int64
		NotifyChatID int64
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")
	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = os.Getenv("LOG_FILE")

	c.Store.Driver = strings.ToLower(getenv("STORE_DRIVER", "sqlite"))
	c.Store.SQLitePath = getenv("SQLITE_PATH", "data/jobsched.db")
	c.Store.PostgresDSN = os.Getenv("DATABASE_URL")

	c.Executor.Shell = getenv("SCRIPT_SHELL", "bash")
	c.Executor.ScriptDir = os.Getenv("SCRIPT_DIR")
	c.Executor.Overlap = strings.ToLower(getenv("OVERLAP_POLICY", "skip"))

	loc, err := time.LoadLocation(getenv("TIMEZONE", "Local"))
	if err != nil {
		return Config{}, fmt.Errorf("TIMEZONE: %w", err)
	}
	c.Scheduler.Location = loc

	var errs []error
	c.Events.Buffer, err = strconv.ParseInt(getenv("EVENT_BUFFER", "64"), 10, 64)
	errs = append(errs, field("EVENT_BUFFER", err))
	c.Events.RatePerSec, err = strconv.ParseFloat(getenv("EVENT_RATE_PER_SEC", "20"), 64)
	errs = append(errs, field("EVENT_RATE_PER_SEC", err))

	c.Notify.WebhookURL = os.Getenv("WEBHOOK_URL")

	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.Telegram.AllowedIDs, err = parseIDs(os.Getenv("TELEGRAM_ALLOWED_IDS"))
	errs = append(errs, field("TELEGRAM_ALLOWED_IDS", err))
	if v := os.Getenv("TELEGRAM_NOTIFY_CHAT_ID"); v != "" {
		c.Telegram.NotifyChatID, err = strconv.ParseInt(v, 10, 64)
		errs = append(errs, field("TELEGRAM_NOTIFY_CHAT_ID", err))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if c.Telegram.Token != "" && len(c.Telegram.AllowedIDs) == 0 {
		return Config{}, errors.New("TELEGRAM_ALLOWED_IDS required when TELEGRAM_BOT_TOKEN is set")
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func field(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
