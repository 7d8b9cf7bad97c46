// Package lead holds the contact records campaigns and automations act on.
package lead

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status constants
const (
	StatusNew       = "new"
	StatusContacted = "contacted"
	StatusQualified = "qualified"
	StatusConverted = "converted"
	StatusLost      = "lost"
)

var statuses = []string{StatusNew, StatusContacted, StatusQualified, StatusConverted, StatusLost}

// ValidStatus reports whether s is a lead lifecycle status.
func ValidStatus(s string) bool { return slices.Contains(statuses, s) }

// Lead is a contact. Leads referenced by delivery history are soft-deleted.
type Lead struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	ChatHandle   string         `json:"chat_handle,omitempty"`
	FirstName    string         `json:"first_name,omitempty"`
	LastName     string         `json:"last_name,omitempty"`
	Company      string         `json:"company,omitempty"`
	Timezone     string         `json:"timezone"`
	Status       string         `json:"status"`
	Tags         []string       `json:"tags"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
	Source       string         `json:"source,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
}

// Active reports whether the lead has not been soft-deleted.
func (l *Lead) Active() bool { return l.DeletedAt == nil }

// HasTag compares case-insensitively.
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// FullName joins the non-empty name parts.
func (l *Lead) FullName() string {
	return strings.TrimSpace(l.FirstName + " " + l.LastName)
}

// Field looks up a named attribute. Custom fields are addressed either by
// their bare name or as "custom_fields.<name>".
func (l *Lead) Field(name string) (any, bool) {
	switch name {
	case "email":
		return l.Email, l.Email != ""
	case "phone":
		return l.Phone, l.Phone != ""
	case "chat_handle":
		return l.ChatHandle, l.ChatHandle != ""
	case "first_name":
		return l.FirstName, l.FirstName != ""
	case "last_name":
		return l.LastName, l.LastName != ""
	case "company":
		return l.Company, l.Company != ""
	case "timezone":
		return l.Timezone, true
	case "status":
		return l.Status, true
	case "source":
		return l.Source, l.Source != ""
	case "tags":
		return l.Tags, true
	}
	name = strings.TrimPrefix(name, "custom_fields.")
	v, ok := l.CustomFields[name]
	return v, ok
}

// Bindings are the template variables for personalized content.
func (l *Lead) Bindings() map[string]any {
	b := map[string]any{
		"first_name": l.FirstName,
		"last_name":  l.LastName,
		"full_name":  l.FullName(),
		"email":      l.Email,
		"phone":      l.Phone,
		"company":    l.Company,
		"status":     l.Status,
		"tags":       l.Tags,
	}
	custom := make(map[string]any, len(l.CustomFields))
	for k, v := range l.CustomFields {
		custom[k] = v
	}
	b["custom_fields"] = custom
	return b
}

// List is a named set of leads a campaign targets.
type List struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
