package core

import (
	"fmt"
	"strings"
)

// Webform vendors disagree on field naming, so each logical field carries an
// explicit ordered alias list resolved once at parse time. First present,
// non-blank alias wins.
var (
	slugAliases      = []string{"lo_slug", "loSlug", "slug"}
	firstNameAliases = []string{"first_name", "firstName", "First Name", "first"}
	lastNameAliases  = []string{"last_name", "lastName", "Last Name", "last"}
	emailAliases     = []string{"email", "Email", "email_address"}
	phoneAliases     = []string{"phone", "Phone", "phone_number"}
	pageURLAliases   = []string{"page_url", "pageUrl"}
	referrerAliases  = []string{"referrer", "referer"}
	sourceAliases    = []string{"source"}
	optInAliases     = []string{"comm_opt_in"}
)

// LeadPayload is the typed form of an inbound submission body. Raw keeps the
// complete original payload verbatim for audit and replay.
type LeadPayload struct {
	Slug      string
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Source    string
	PageURL   string
	Referrer  string
	OptIn     bool
	Raw       map[string]any
}

// ParseLeadPayload resolves the alias table against a decoded body. It never
// fails on unexpected fields; only a missing slug is reported by Validate.
func ParseLeadPayload(raw map[string]any) LeadPayload {
	payload := LeadPayload{
		Slug:      NormalizeSlug(lookupAlias(raw, slugAliases)),
		FirstName: truncate(lookupAlias(raw, firstNameAliases), maxNameLength),
		LastName:  truncate(lookupAlias(raw, lastNameAliases), maxNameLength),
		Email:     lookupAlias(raw, emailAliases),
		Phone:     truncate(lookupAlias(raw, phoneAliases), maxPhoneLength),
		Source:    lookupAlias(raw, sourceAliases),
		PageURL:   truncate(lookupAlias(raw, pageURLAliases), maxURLLength),
		Referrer:  truncate(lookupAlias(raw, referrerAliases), maxURLLength),
		OptIn:     truthy(lookupAliasAny(raw, optInAliases)),
		Raw:       copyAnyMap(raw),
	}
	return payload
}

func (p LeadPayload) Validate() error {
	if strings.TrimSpace(p.Slug) == "" {
		return fmt.Errorf("core: lo_slug is required")
	}
	return nil
}

func lookupAlias(raw map[string]any, aliases []string) string {
	value := lookupAliasAny(raw, aliases)
	if value == nil {
		return ""
	}
	text, ok := value.(string)
	if !ok {
		text = fmt.Sprint(value)
	}
	return strings.TrimSpace(text)
}

func lookupAliasAny(raw map[string]any, aliases []string) any {
	if len(raw) == 0 {
		return nil
	}
	for _, alias := range aliases {
		value, ok := raw[alias]
		if !ok || value == nil {
			continue
		}
		if text, isText := value.(string); isText && strings.TrimSpace(text) == "" {
			continue
		}
		return value
	}
	return nil
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case int:
		return typed == 1
	case float64:
		return typed == 1
	case string:
		switch strings.TrimSpace(typed) {
		case "1", "true", "True", "yes", "on":
			return true
		}
	}
	return false
}

func truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	return truncateToRuneBoundary(text, limit)
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
