package validators

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
)

// IntRange bounds an optional integer query parameter.
type IntRange struct {
	Default int
	Min     int
	Max     int
}

// PageLimit is the range every list endpoint accepts for ?limit.
var PageLimit = IntRange{Default: 50, Min: 1, Max: 200}

// QueryInt reads key from the query string. Absent or blank values yield
// bounds.Default; anything else must parse and fall inside [Min, Max].
func QueryInt(r *http.Request, key string, bounds IntRange) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return bounds.Default, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fieldError(key, "must be an integer")
	}
	if n < bounds.Min || n > bounds.Max {
		return 0, fieldError(key, fmt.Sprintf("must be between %d and %d", bounds.Min, bounds.Max))
	}
	return n, nil
}

// ParseUUID validates an identifier taken from a path or body field.
func ParseUUID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fieldError(field, "must be a UUID")
	}
	return id, nil
}

func fieldError(field, msg string) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
		WithDetails(map[string]string{field: msg})
}
