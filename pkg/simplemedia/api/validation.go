package api

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

const (
	maxScopeLength    = 128
	maxFileNameLength = 255
	maxListLimit      = 500
)

var sortKeys = map[string]bool{
	simplemedia.SortByCreatedAt:       true,
	simplemedia.SortByUpdatedAt:       true,
	simplemedia.SortByStatusChangedAt: true,
	simplemedia.SortBySize:            true,
	simplemedia.SortByFileName:        true,
}

// ParseFileID validates a file id path parameter.
func ParseFileID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		verr := &simplemedia.ValidationError{}
		verr.Add("id", "must be a UUID")
		return uuid.Nil, verr
	}
	return id, nil
}

// ValidateScope checks scope identifiers for length and control characters.
func ValidateScope(scope simplemedia.Scope) error {
	verr := &simplemedia.ValidationError{}
	validateScopeField(verr, "app_id", scope.AppID)
	validateScopeField(verr, "user_id", scope.UserID)
	validateScopeField(verr, "purpose", scope.Purpose)
	return verr.OrNil()
}

func validateScopeField(verr *simplemedia.ValidationError, field, v string) {
	if len(v) > maxScopeLength {
		verr.Add(field, "must be at most 128 characters")
		return
	}
	if strings.IndexFunc(v, unicode.IsControl) >= 0 {
		verr.Add(field, "must not contain control characters")
	}
}

// ValidateFileName rejects names that cannot be stored or served safely.
func ValidateFileName(name string) error {
	verr := &simplemedia.ValidationError{}
	switch {
	case len(name) > maxFileNameLength:
		verr.Add("filename", "must be at most 255 characters")
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		verr.Add("filename", "must not contain control characters")
	case strings.ContainsAny(name, `/\`):
		verr.Add("filename", "must not contain path separators")
	}
	return verr.OrNil()
}

// ParseMetadata decodes an optional JSON object form field.
func ParseMetadata(field, raw string) (map[string]interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		verr := &simplemedia.ValidationError{}
		verr.Add(field, "must be a JSON object")
		return nil, verr
	}
	return m, nil
}

// ParseTransform reads optional transform parameters from form or query
// values. It returns nil when none are present.
func ParseTransform(values url.Values) (*simplemedia.TransformParams, error) {
	verr := &simplemedia.ValidationError{}
	p := simplemedia.TransformParams{
		Variant: values.Get("variant"),
		Format:  values.Get("format"),
	}
	p.MaxWidth = parseNonNegative(verr, values, "max_width")
	p.MaxHeight = parseNonNegative(verr, values, "max_height")
	p.Quality = parseNonNegative(verr, values, "quality")
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	if p == (simplemedia.TransformParams{}) {
		return nil, nil
	}
	return &p, nil
}

// ParseListFilter builds a FileFilter from list query parameters.
func ParseListFilter(q url.Values) (simplemedia.FileFilter, error) {
	verr := &simplemedia.ValidationError{}
	var f simplemedia.FileFilter

	if v := q.Get("app_id"); v != "" {
		f.AppID = &v
	}
	if v := q.Get("user_id"); v != "" {
		f.UserID = &v
	}
	if v := q.Get("purpose"); v != "" {
		f.Purpose = &v
	}
	validateScopeField(verr, "app_id", q.Get("app_id"))
	validateScopeField(verr, "user_id", q.Get("user_id"))
	validateScopeField(verr, "purpose", q.Get("purpose"))

	for _, s := range splitList(q.Get("status")) {
		st := simplemedia.FileStatus(s)
		if !st.Valid() {
			verr.Add("status", "unknown status "+s)
			continue
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, s := range splitList(q.Get("optimization_status")) {
		st := simplemedia.OptimizationStatus(s)
		if !st.Valid() {
			verr.Add("optimization_status", "unknown optimization status "+s)
			continue
		}
		f.OptimizationStatuses = append(f.OptimizationStatuses, st)
	}

	f.CreatedAfter = parseTime(verr, q, "created_after")
	f.CreatedBefore = parseTime(verr, q, "created_before")

	if v := q.Get("include_deleted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			verr.Add("include_deleted", "must be a boolean")
		}
		f.IncludeDeleted = b
	}

	if v := q.Get("sort_by"); v != "" {
		if !sortKeys[v] {
			verr.Add("sort_by", "unsupported sort key "+v)
		}
		f.SortBy = v
	}
	if v := strings.ToLower(q.Get("sort_order")); v != "" {
		if v != "asc" && v != "desc" {
			verr.Add("sort_order", "must be asc or desc")
		}
		f.SortOrder = v
	}

	f.Limit = parseNonNegative(verr, q, "limit")
	if f.Limit > maxListLimit {
		verr.Add("limit", "must be at most 500")
	}
	f.Offset = parseNonNegative(verr, q, "offset")

	return f, verr.OrNil()
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(strings.ToLower(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseNonNegative(verr *simplemedia.ValidationError, values url.Values, field string) int {
	raw := values.Get(field)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		verr.Add(field, "must be a non-negative integer")
		return 0
	}
	return n
}

func parseTime(verr *simplemedia.ValidationError, values url.Values, field string) *time.Time {
	raw := values.Get(field)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		verr.Add(field, "must be an RFC 3339 timestamp")
		return nil
	}
	t = t.UTC()
	return &t
}
