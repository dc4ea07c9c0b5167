package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Payments struct {
	MinAmountMinorUnits int64  `yaml:"min_amount_minor_units"`
	MaxAmountMinorUnits int64  `yaml:"max_amount_minor_units"`
	Currency            string `yaml:"currency"`
	RequireEmail        bool   `yaml:"require_email"`
	ProductName         string `yaml:"product_name"`
}

type WayForPay struct {
	MerchantAccount string `yaml:"merchant_account"`
	MerchantDomain  string `yaml:"merchant_domain"`
	SecretKey       string `yaml:"-"` // env only
	APIURL          string `yaml:"api_url"`
	ReturnURL       string `yaml:"return_url"`
	ServiceURL      string `yaml:"service_url"`
}

type Mailer struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"-"` // env only
	From   string `yaml:"from"`
}

type Content struct {
	GraphURL         string        `yaml:"graph_url"`
	PageID           string        `yaml:"page_id"`
	AccessToken      string        `yaml:"-"` // env only
	SourceLang       string        `yaml:"source_lang"`
	TargetLang       string        `yaml:"target_lang"`
	CacheMaxAge      time.Duration `yaml:"cache_max_age"`
	TranslateMirrors []string      `yaml:"translate_mirrors"`
	TranslateTimeout time.Duration `yaml:"translate_timeout"`
}

type Config struct {
	Port                string    `yaml:"port"`
	MongoURI            string    `yaml:"-"` // env only
	MongoDB             string    `yaml:"mongo_db"`
	StrictWebhookErrors bool      `yaml:"strict_webhook_errors"`
	Payments            Payments  `yaml:"payments"`
	WayForPay           WayForPay `yaml:"wayforpay"`
	Mailer              Mailer    `yaml:"mailer"`
	Content             Content   `yaml:"content"`
}

// Load builds the configuration from an optional YAML file plus the
// environment. Secrets are taken from the environment only; env values win
// over the file for everything else they cover.
func Load(path string) (Config, error) {
	c := defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %v", path, err)
			}
		} else if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %v", path, err)
		}
	}

	applyEnv(&c)

	if c.MongoURI == "" {
		return Config{}, fmt.Errorf("MONGOURI environment variable not set")
	}
	if c.Payments.MinAmountMinorUnits <= 0 || c.Payments.MaxAmountMinorUnits < c.Payments.MinAmountMinorUnits {
		return Config{}, fmt.Errorf("invalid amount bounds: min=%d max=%d",
			c.Payments.MinAmountMinorUnits, c.Payments.MaxAmountMinorUnits)
	}
	if len(c.Content.TranslateMirrors) == 0 {
		return Config{}, fmt.Errorf("need at least one translate mirror")
	}
	return c, nil
}

func defaults() Config {
	return Config{
		Port:    "8080",
		MongoDB: "dzvindb",
		Payments: Payments{
			MinAmountMinorUnits: 1000,     // 10.00
			MaxAmountMinorUnits: 10000000, // 100000.00
			Currency:            "UAH",
			ProductName:         "Donation",
		},
		WayForPay: WayForPay{
			APIURL: "https://api.wayforpay.com/api",
		},
		Mailer: Mailer{
			APIURL: "https://api.resend.com/emails",
		},
		Content: Content{
			GraphURL:    "https://graph.facebook.com/v19.0",
			SourceLang:  "uk",
			TargetLang:  "en",
			CacheMaxAge: 15 * time.Minute,
			TranslateMirrors: []string{
				"https://libretranslate.com",
				"https://translate.fedilab.app",
				"https://lt.vern.cc",
			},
			TranslateTimeout: 12 * time.Second,
		},
	}
}

func applyEnv(c *Config) {
	setStr(&c.Port, "PORT")
	setStr(&c.MongoURI, "MONGOURI")
	setStr(&c.MongoDB, "MONGO_DB")
	setBool(&c.StrictWebhookErrors, "STRICT_WEBHOOK_ERRORS")

	setInt64(&c.Payments.MinAmountMinorUnits, "MIN_AMOUNT_MINOR_UNITS")
	setInt64(&c.Payments.MaxAmountMinorUnits, "MAX_AMOUNT_MINOR_UNITS")
	setStr(&c.Payments.Currency, "PAYMENT_CURRENCY")
	setBool(&c.Payments.RequireEmail, "REQUIRE_EMAIL")

	setStr(&c.WayForPay.MerchantAccount, "WFP_MERCHANT_ACCOUNT")
	setStr(&c.WayForPay.MerchantDomain, "WFP_MERCHANT_DOMAIN")
	setStr(&c.WayForPay.SecretKey, "WFP_SECRET_KEY")
	setStr(&c.WayForPay.APIURL, "WFP_API_URL")
	setStr(&c.WayForPay.ReturnURL, "WFP_RETURN_URL")
	setStr(&c.WayForPay.ServiceURL, "WFP_SERVICE_URL")

	setStr(&c.Mailer.APIKey, "RESEND_API_KEY")
	setStr(&c.Mailer.From, "MAIL_FROM")

	setStr(&c.Content.PageID, "FB_PAGE_ID")
	setStr(&c.Content.AccessToken, "FB_ACCESS_TOKEN")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			*dst = n
		}
	}
}
