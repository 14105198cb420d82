package httpapi

import (
	"net/http"
	"strings"
)

// mountPoint is where the API is served below the proxy and how dashboard
// links are rendered for clients.
type mountPoint struct {
	// prefix is "" at the root, otherwise "/name" without a trailing slash.
	prefix string
	// href is the link base, ending in "/".
	href string
}

func newMountPoint(baseURL, basePath string) mountPoint {
	prefix := cleanPrefix(basePath)
	href := strings.TrimRight(strings.TrimSpace(baseURL), "/") + prefix + "/"
	return mountPoint{prefix: prefix, href: href}
}

// cleanPrefix turns a configured base path into "" or "/segment[/segment]".
func cleanPrefix(value string) string {
	segments := strings.FieldsFunc(value, func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}

// mount serves h below the prefix. The bare prefix redirects to prefix + "/".
func (m mountPoint) mount(h http.Handler) http.Handler {
	if m.prefix == "" {
		return h
	}
	mux := http.NewServeMux()
	mux.Handle(m.prefix+"/", http.StripPrefix(m.prefix, h))
	mux.HandleFunc(m.prefix, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, m.prefix+"/", http.StatusTemporaryRedirect)
	})
	return mux
}

// link joins already escaped path segments onto the link base.
func (m mountPoint) link(segments ...string) string {
	return m.href + strings.Join(segments, "/")
}
