package discovery

import "regexp"

// envPattern maps a well-known environment variable to the provider and
// field it carries.
type envPattern struct {
	ProviderID string
	Field      string
	Secret     bool
	// PairVar names the env var whose value completes a composite
	// credential; registration is deferred until both are present.
	PairVar string
}

// knownPatterns is the static table of well-known credential variables.
var knownPatterns = map[string]envPattern{
	// Twilio
	"TWILIO_ACCOUNT_SID": {ProviderID: "twilio", Field: "Account SID", PairVar: "TWILIO_AUTH_TOKEN"},
	"TWILIO_AUTH_TOKEN":  {ProviderID: "twilio", Field: "Auth Token", Secret: true},
	"TWILIO_API_KEY":     {ProviderID: "twilio", Field: "API Key", Secret: true},
	"TWILIO_API_SECRET":  {ProviderID: "twilio", Field: "API Secret", Secret: true},

	// Vercel
	"VERCEL_TOKEN":     {ProviderID: "vercel", Field: "API Token", Secret: true},
	"VERCEL_API_TOKEN": {ProviderID: "vercel", Field: "API Token", Secret: true},

	// Telegram
	"TELEGRAM_BOT_TOKEN": {ProviderID: "telegram-bot", Field: "Bot Token", Secret: true},
	"TELEGRAM_API_KEY":   {ProviderID: "telegram-bot", Field: "API Key", Secret: true},

	// Twitter/X
	"TWITTER_BEARER_TOKEN": {ProviderID: "twitter-api", Field: "Bearer Token", Secret: true},
	"TWITTER_API_KEY":      {ProviderID: "twitter-api", Field: "API Key", Secret: true},
	"TWITTER_API_SECRET":   {ProviderID: "twitter-api", Field: "API Secret", Secret: true},
	"TWITTER_ACCESS_TOKEN": {ProviderID: "twitter-api", Field: "Access Token", Secret: true},

	// OpenAI
	"OPENAI_API_KEY": {ProviderID: "openai", Field: "API Key", Secret: true},

	// Anthropic
	"ANTHROPIC_API_KEY": {ProviderID: "anthropic", Field: "API Key", Secret: true},
	"CLAUDE_API_KEY":    {ProviderID: "anthropic", Field: "API Key", Secret: true},

	// SendGrid
	"SENDGRID_API_KEY":   {ProviderID: "sendgrid", Field: "API Key", Secret: true},
	"SENDGRID_API_TOKEN": {ProviderID: "sendgrid", Field: "API Token", Secret: true},

	// SMTP
	"SMTP_USER":     {ProviderID: "smtp", Field: "SMTP User"},
	"SMTP_PASSWORD": {ProviderID: "smtp", Field: "SMTP Password", Secret: true},

	// AWS
	"AWS_ACCESS_KEY_ID":     {ProviderID: "aws", Field: "Access Key ID", Secret: true, PairVar: "AWS_SECRET_ACCESS_KEY"},
	"AWS_SECRET_ACCESS_KEY": {ProviderID: "aws", Field: "Secret Access Key", Secret: true},

	// Google
	"GOOGLE_API_KEY":       {ProviderID: "google", Field: "API Key", Secret: true},
	"GOOGLE_CLIENT_SECRET": {ProviderID: "google", Field: "Client Secret", Secret: true},

	// Stripe
	"STRIPE_API_KEY":    {ProviderID: "stripe", Field: "API Key", Secret: true},
	"STRIPE_SECRET_KEY": {ProviderID: "stripe", Field: "Secret Key", Secret: true},

	// GitHub
	"GITHUB_TOKEN":   {ProviderID: "github", Field: "Token", Secret: true},
	"GITHUB_API_KEY": {ProviderID: "github", Field: "API Key", Secret: true},

	// Neon
	"DATABASE_URL": {ProviderID: "neon", Field: "Database URL", Secret: true},
	"NEON_API_KEY": {ProviderID: "neon", Field: "API Key", Secret: true},
}

// compositeSecondaries maps a secondary variable to the primary that
// registers it as part of a composite credential. When the primary is
// present the secondary is skipped on its own.
var compositeSecondaries = map[string]string{
	"TWILIO_AUTH_TOKEN":     "TWILIO_ACCOUNT_SID",
	"AWS_SECRET_ACCESS_KEY": "AWS_ACCESS_KEY_ID",
}

// genericPatterns match any remaining variable that looks like a secret.
// Evaluated in order; the first capture group is the provider hint.
var genericPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^([A-Z][A-Z0-9_]*)_API_KEY$`),
	regexp.MustCompile(`(?i)^([A-Z][A-Z0-9_]*)_API_TOKEN$`),
	regexp.MustCompile(`(?i)^([A-Z][A-Z0-9_]*)_TOKEN$`),
	regexp.MustCompile(`(?i)^([A-Z][A-Z0-9_]*)_SECRET$`),
	regexp.MustCompile(`(?i)^([A-Z][A-Z0-9_]*)_KEY$`),
	regexp.MustCompile(`(?i)^([A-Z][A-Z0-9_]*)_PASSWORD$`),
}

// Minimum secret value lengths.
const (
	minKnownValueLen   = 5
	minGenericValueLen = 10
)
