package registry

import (
	"context"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/models"
)

// catalog lists the providers the keeper knows about out of the box.
// Scores are coarse priors used by routing until real health data exists.
var catalog = []models.Provider{
	{
		ID: "twilio", Name: "Twilio", Category: models.CategorySMS,
		Features:         featuresJSON("sms", "voice", "whatsapp"),
		FreeTierRequests: 0, PricePerRequest: 0.0079,
		Reliability: 0.99, Quality: 0.95, LatencyMS: 300,
	},
	{
		ID: "sendgrid", Name: "SendGrid", Category: models.CategoryEmail,
		Features:         featuresJSON("email", "templates"),
		FreeTierRequests: 100, PricePerRequest: 0.0006,
		Reliability: 0.98, Quality: 0.9, LatencyMS: 250,
	},
	{
		ID: "smtp", Name: "SMTP", Category: models.CategoryEmail,
		Features:         featuresJSON("email"),
		FreeTierRequests: 0, PricePerRequest: 0,
		Reliability: 0.9, Quality: 0.7, LatencyMS: 800,
	},
	{
		ID: "openai", Name: "OpenAI", Category: models.CategoryAI,
		Features:         featuresJSON("chat", "completion", "embedding", "image"),
		FreeTierRequests: 0, PricePerRequest: 0.002,
		Reliability: 0.97, Quality: 0.97, LatencyMS: 1200,
	},
	{
		ID: "anthropic", Name: "Anthropic", Category: models.CategoryAI,
		Features:         featuresJSON("chat", "completion"),
		FreeTierRequests: 0, PricePerRequest: 0.0025,
		Reliability: 0.97, Quality: 0.97, LatencyMS: 1300,
	},
	{
		ID: "google", Name: "Google", Category: models.CategoryAI,
		Features:         featuresJSON("chat", "embedding", "search"),
		FreeTierRequests: 1000, PricePerRequest: 0.001,
		Reliability: 0.98, Quality: 0.93, LatencyMS: 900,
	},
	{
		ID: "aws", Name: "AWS", Category: models.CategoryStorage,
		Features:         featuresJSON("storage", "queue", "compute"),
		FreeTierRequests: 2000, PricePerRequest: 0.0004,
		Reliability: 0.995, Quality: 0.95, LatencyMS: 120,
	},
	{
		ID: "neon", Name: "Neon", Category: models.CategoryStorage,
		Features:         featuresJSON("database", "postgres"),
		FreeTierRequests: 0, PricePerRequest: 0,
		Reliability: 0.97, Quality: 0.9, LatencyMS: 60,
	},
	{
		ID: "stripe", Name: "Stripe", Category: models.CategoryOther,
		Features:         featuresJSON("payments", "billing"),
		FreeTierRequests: 0, PricePerRequest: 0,
		Reliability: 0.995, Quality: 0.97, LatencyMS: 400,
	},
	{
		ID: "github", Name: "GitHub", Category: models.CategoryOther,
		Features:         featuresJSON("git", "ci"),
		FreeTierRequests: 5000, PricePerRequest: 0,
		Reliability: 0.99, Quality: 0.95, LatencyMS: 350,
	},
	{
		ID: "vercel", Name: "Vercel", Category: models.CategoryOther,
		Features:         featuresJSON("deploy", "hosting"),
		FreeTierRequests: 100, PricePerRequest: 0,
		Reliability: 0.98, Quality: 0.92, LatencyMS: 500,
	},
	{
		ID: "telegram-bot", Name: "Telegram Bot", Category: models.CategorySocial,
		Features:         featuresJSON("messaging", "bot"),
		FreeTierRequests: 0, PricePerRequest: 0,
		Reliability: 0.97, Quality: 0.9, LatencyMS: 400,
	},
	{
		ID: "twitter-api", Name: "Twitter API", Category: models.CategorySocial,
		Features:         featuresJSON("posts", "timeline"),
		FreeTierRequests: 1500, PricePerRequest: 0.0001,
		Reliability: 0.93, Quality: 0.85, LatencyMS: 600,
	},
}

// SeedCatalog upserts the built-in provider catalog. Existing providers
// only get their health timestamp refreshed.
func (r *Registry) SeedCatalog(ctx context.Context, now time.Time) error {
	for _, provider := range catalog {
		if _, err := r.Upsert(ctx, provider, now); err != nil {
			return err
		}
	}
	return nil
}
