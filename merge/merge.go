// Package merge maps token names to the merge-tag syntax of email service providers.
//
// This is the only platform table in the service; the link builder and the
// gateway's substituted-link check both read it.
package merge

import (
	"personalink/tokens"
)

// Platform is a supported email service provider.
type Platform string

const (
	Generic   Platform = "generic"
	Mailchimp Platform = "mailchimp"
	HubSpot   Platform = "hubspot"
	Klaviyo   Platform = "klaviyo"
	SendGrid  Platform = "sendgrid"
	Brevo     Platform = "brevo"
)

var platforms = []Platform{Generic, Mailchimp, HubSpot, Klaviyo, SendGrid, Brevo}

var fields = map[Platform]map[tokens.Key]string{
	Generic: {},
	Mailchimp: {
		tokens.FirstName: "*|FNAME|*",
		tokens.LastName:  "*|LNAME|*",
		tokens.Email:     "*|EMAIL|*",
		tokens.Company:   "*|COMPANY|*",
	},
	HubSpot: {
		tokens.FirstName: "{{contact.firstname}}",
		tokens.LastName:  "{{contact.lastname}}",
		tokens.Email:     "{{contact.email}}",
		tokens.Company:   "{{contact.company}}",
		tokens.Title:     "{{contact.jobtitle}}",
		tokens.City:      "{{contact.city}}",
		tokens.Country:   "{{contact.country}}",
		tokens.Industry:  "{{contact.industry}}",
	},
	Klaviyo: {
		tokens.FirstName: "{{first_name}}",
		tokens.LastName:  "{{last_name}}",
		tokens.Email:     "{{email}}",
		tokens.Company:   "{{organization}}",
		tokens.Title:     "{{title}}",
		tokens.City:      "{{person.city}}",
		tokens.Country:   "{{person.country}}",
	},
	SendGrid: {
		tokens.FirstName: "{{first_name}}",
		tokens.LastName:  "{{last_name}}",
		tokens.Email:     "{{email}}",
		tokens.Company:   "{{company}}",
	},
	Brevo: {
		tokens.FirstName: "{{contact.FIRSTNAME}}",
		tokens.LastName:  "{{contact.LASTNAME}}",
		tokens.Email:     "{{contact.EMAIL}}",
		tokens.Company:   "{{contact.COMPANY}}",
	},
}

// Platforms returns the supported platforms.
func Platforms() []Platform {
	return append([]Platform(nil), platforms...)
}

// ParsePlatform looks up a platform by name.
func ParsePlatform(name string) (Platform, bool) {
	p := Platform(name)
	_, ok := fields[p]
	return p, ok
}

// Placeholder is the generic merge field for k.
func Placeholder(k tokens.Key) string {
	return "{" + k.String() + "}"
}

// Field returns the merge tag for k on platform p, or the generic
// placeholder when p has no tag for k.
func Field(p Platform, k tokens.Key) string {
	if tag, ok := fields[p][k]; ok {
		return tag
	}
	return Placeholder(k)
}

// Template returns the merge tags for keys, keyed by token name.
func Template(p Platform, keys []tokens.Key) map[string]string {
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[k.String()] = Field(p, k)
	}
	return m
}
