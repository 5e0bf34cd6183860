// Package account manages the upstream Google account pools: rotation,
// OAuth refresh, disable-on-failure, Project ID bootstrap and the admin
// surface keyed by opaque token ids.
package account

// Variant describes one upstream Code Assist flavor. The two variants differ
// in host, User-Agent, OAuth client credentials and Project ID requirements.
type Variant struct {
	// Name identifies the variant ("antigravity" or "gemini-cli").
	Name string

	// ClientID and ClientSecret are the OAuth client credentials used for
	// refresh-token grants.
	ClientID     string
	ClientSecret string

	// UserAgent is spoofed on every upstream call.
	UserAgent string

	// BaseURLs lists the upstream hosts in fallback order.
	BaseURLs []string

	// RequiresProject is true when every chat call needs a Project ID.
	// The CLI variant needs one only for v1internal calls, which covers all
	// of its chat traffic too, but its bootstrap is lazier.
	RequiresProject bool
}

const (
	// OAuthTokenURL is Google's token endpoint for refresh-token grants.
	OAuthTokenURL = "https://oauth2.googleapis.com/token"

	apiVersion     = "v1internal"
	xGoogAPIClient = "gl-node/22.17.0"
	clientMetadata = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
)

// AntigravityVariant is the daily Code Assist endpoint used by the
// Antigravity IDE.
var AntigravityVariant = Variant{
	Name:         "antigravity",
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	UserAgent:    "antigravity/1.11.5 windows/amd64",
	BaseURLs: []string{
		"https://daily-cloudcode-pa.googleapis.com",
		"https://daily-cloudcode-pa.sandbox.googleapis.com",
	},
	RequiresProject: true,
}

// GeminiCLIVariant is the production Code Assist endpoint used by Gemini CLI.
var GeminiCLIVariant = Variant{
	Name:         "gemini-cli",
	ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
	ClientSecret: "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",
	UserAgent:    "GeminiCLI/0.1.5 (linux; x64)",
	BaseURLs: []string{
		"https://cloudcode-pa.googleapis.com",
	},
	RequiresProject: false,
}
