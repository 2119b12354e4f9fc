package checkout

import (
	"net/url"
	"strings"

	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
)

// resolveURL falls back to the configured default and requires an absolute
// http(s) URL. The session id placeholder is allowed anywhere.
func resolveURL(field, value, fallback string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		value = strings.TrimSpace(fallback)
	}
	if value == "" {
		return "", pkgerrors.New(pkgerrors.CodeConfiguration, "no default "+field+" configured")
	}

	candidate := strings.ReplaceAll(value, gateway.SessionIDPlaceholder, "session")
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		msg := field + " must be an absolute http(s) URL"
		return "", pkgerrors.New(pkgerrors.CodeValidation, msg).WithDetails(map[string]string{field: msg})
	}
	return value, nil
}

// withSessionID appends session_id={CHECKOUT_SESSION_ID} unless the caller
// already placed the placeholder. The placeholder stays unescaped since the
// gateway substitutes it literally.
func withSessionID(successURL string) string {
	if strings.Contains(successURL, gateway.SessionIDPlaceholder) {
		return successURL
	}
	base, fragment, hasFragment := strings.Cut(successURL, "#")
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
		if strings.HasSuffix(base, "?") || strings.HasSuffix(base, "&") {
			sep = ""
		}
	}
	out := base + sep + "session_id=" + gateway.SessionIDPlaceholder
	if hasFragment {
		out += "#" + fragment
	}
	return out
}
