package zoho

import (
	"encoding/json"
	"strings"
)

// Contact is the person being added to the mailing list.
type Contact struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

// Format selects how the contactinfo form field is encoded.
type Format string

const (
	// FormatJSON is the structured encoding most accounts accept.
	FormatJSON Format = "json"
	// FormatLegacy is the flattened {Key:value,...} string some older
	// accounts insist on.
	FormatLegacy Format = "legacy"
)

type contactField struct {
	key   string
	value string
}

// fields returns the populated contact fields in a fixed order.
func (c Contact) fields() []contactField {
	out := []contactField{{"Contact Email", c.Email}}
	if c.FirstName != "" {
		out = append(out, contactField{"First Name", c.FirstName})
	}
	if c.LastName != "" {
		out = append(out, contactField{"Last Name", c.LastName})
	}
	if c.Phone != "" {
		out = append(out, contactField{"Phone", c.Phone})
	}
	return out
}

var legacyReplacer = strings.NewReplacer("{", " ", "}", " ", ",", " ")

// EncodeContactInfo renders the contactinfo value in the given format.
func EncodeContactInfo(c Contact, format Format) string {
	fields := c.fields()

	if format == FormatLegacy {
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			parts = append(parts, f.key+":"+strings.TrimSpace(legacyReplacer.Replace(f.value)))
		}
		return "{" + strings.Join(parts, ",") + "}"
	}

	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.key] = f.value
	}
	// map[string]string never fails to marshal
	b, _ := json.Marshal(m)
	return string(b)
}

// SplitName splits a full name into first name and the remainder.
func SplitName(name string) (first, last string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
