package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr     string
	BaseURL  string
	BasePath string
	// UserHeader carries the authenticated user set by the fronting proxy.
	UserHeader   string
	EventHistory int
}

// DefaultUserHeader is used when Config.UserHeader is empty.
const DefaultUserHeader = "X-Showcase-User"
