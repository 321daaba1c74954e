package email

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// EmbedSnippet returns the <img> tag marketers paste into their campaign.
// Merge tags inside imageURL survive escaping since html escaping leaves
// '*', '|', '{' and '}' alone.
func EmbedSnippet(imageURL, alt string) string {
	return fmt.Sprintf(`<img src="%s" alt="%s" width="600" style="display:block;max-width:100%%;height:auto;border:0">`,
		html.EscapeString(imageURL), html.EscapeString(alt))
}

func (s *Sender) formatPreviewBody(p *Preview) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".artifact { margin: 20px 0; }\n")
	b.WriteString(".tokens { border-collapse: collapse; font-size: 0.9em; }\n")
	b.WriteString(".tokens td { padding: 4px 12px 4px 0; border-bottom: 1px solid #eee; }\n")
	b.WriteString(".tokens td.name { color: #7f8c8d; font-family: monospace; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; font-size: 0.9em; color: #7f8c8d; border-top: 1px solid #ddd; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".tokens td { border-bottom-color: #333; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(fmt.Sprintf("<h2>Template <code>%s</code></h2>\n", escapeHTML(p.TemplateID)))
	b.WriteString("<div class=\"artifact\">\n")
	b.WriteString(EmbedSnippet(p.ImageURL, "Personalized preview of "+p.TemplateID))
	b.WriteString("\n</div>\n")

	if len(p.Tokens) > 0 {
		names := make([]string, 0, len(p.Tokens))
		for name := range p.Tokens {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("<table class=\"tokens\">\n")
		for _, name := range names {
			b.WriteString(fmt.Sprintf("<tr><td class=\"name\">%s</td><td class=\"value\">%s</td></tr>\n",
				escapeHTML(name), escapeHTML(p.Tokens[name])))
		}
		b.WriteString("</table>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	if p.Cached {
		b.WriteString("Served from the render cache. ")
	}
	b.WriteString(fmt.Sprintf("<a href=\"%s\">%s</a>\n", escapeHTML(p.ImageURL), "Open image"))
	if s.baseURL != "" {
		b.WriteString(fmt.Sprintf(" &bull; sent by <a href=\"%s\">%s</a>\n", escapeHTML(s.baseURL), escapeHTML(s.baseURL)))
	}
	b.WriteString("</div>\n</body>\n</html>\n")

	return b.String()
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}
