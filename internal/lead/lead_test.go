package lead

import "testing"

func TestLead_HasTag(t *testing.T) {
	l := &Lead{Tags: []string{"VIP", "webinar"}}
	if !l.HasTag("vip") {
		t.Error("tag match should ignore case")
	}
	if l.HasTag("churned") {
		t.Error("unexpected tag match")
	}
}

func TestLead_Field(t *testing.T) {
	l := &Lead{
		Email:        "ana@example.com",
		Status:       StatusNew,
		CustomFields: map[string]any{"plan": "pro"},
	}

	tests := []struct {
		name   string
		want   any
		wantOK bool
	}{
		{"email", "ana@example.com", true},
		{"status", StatusNew, true},
		{"plan", "pro", true},
		{"custom_fields.plan", "pro", true},
		{"phone", "", false},
		{"missing", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := l.Field(tt.name)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Field(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestLead_Bindings(t *testing.T) {
	l := &Lead{FirstName: "Ana", LastName: "Lima", CustomFields: map[string]any{"plan": "pro"}}
	b := l.Bindings()
	if b["full_name"] != "Ana Lima" {
		t.Errorf("full_name = %v", b["full_name"])
	}
	if b["custom_fields"].(map[string]any)["plan"] != "pro" {
		t.Error("custom fields missing from bindings")
	}
}

func TestValidStatus(t *testing.T) {
	if !ValidStatus(StatusQualified) || ValidStatus("archived") {
		t.Error("unexpected status validation")
	}
}
