package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/foxzi/mailcast/internal/models"
)

// Supported placeholder tokens
const (
	TokenRecipientName      = "recipient.name"
	TokenRecipientEmail     = "recipient.email"
	TokenRecipientFirstName = "recipient.first_name"
	TokenCampaignName       = "campaign.name"
	TokenTrackingID         = "tracking_id"
)

// Tokens lists every placeholder that may appear in campaign content
var Tokens = []string{
	TokenRecipientName,
	TokenRecipientEmail,
	TokenRecipientFirstName,
	TokenCampaignName,
	TokenTrackingID,
}

// namespaces are the token roots. Any other "{word}" is an unknown token.
// Braces around anything else, like CSS rules in HTML bodies, are left
// untouched.
var namespaces = map[string]bool{
	"recipient":   true,
	"campaign":    true,
	"tracking_id": true,
}

// TokenError reports an unknown or malformed placeholder
type TokenError struct {
	Field  string
	Token  string
	Reason string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s: %s token %q", e.Field, e.Reason, e.Token)
}

// Content is the renderable part of a message
type Content struct {
	Subject string
	HTML    string
	Text    string
}

// Data holds the values substituted for one recipient
type Data struct {
	Recipient    models.Recipient
	CampaignName string
	TrackingID   string
}

func (d Data) values() map[string]string {
	return map[string]string{
		TokenRecipientName:      d.Recipient.Name,
		TokenRecipientEmail:     d.Recipient.Email,
		TokenRecipientFirstName: d.Recipient.FirstName(),
		TokenCampaignName:       d.CampaignName,
		TokenTrackingID:         d.TrackingID,
	}
}

// Render substitutes tokens in every field. Values are HTML-escaped in the
// HTML body. An empty text body is derived from the rendered HTML.
func Render(c Content, d Data) (Content, error) {
	values := d.values()

	subject, err := substitute("subject", c.Subject, values, false)
	if err != nil {
		return Content{}, err
	}
	body, err := substitute("html", c.HTML, values, true)
	if err != nil {
		return Content{}, err
	}
	text, err := substitute("text", c.Text, values, false)
	if err != nil {
		return Content{}, err
	}

	if strings.TrimSpace(text) == "" && body != "" {
		text = TextFromHTML(body)
	}

	return Content{Subject: subject, HTML: body, Text: text}, nil
}

// Validate checks every token without rendering
func Validate(c Content) error {
	_, err := Render(c, Data{})
	return err
}

// substitute scans s for "{root...}" placeholders
func substitute(field, s string, values map[string]string, escape bool) (string, error) {
	if !strings.Contains(s, "{") {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] != '{' {
			b.WriteByte(s[i])
			i++
			continue
		}

		end := i + 1
		for end < len(s) && isTokenChar(s[end]) {
			end++
		}
		name := s[i+1 : end]
		root, _, _ := strings.Cut(name, ".")
		closed := end < len(s) && s[end] == '}'

		if !closed || name == "" {
			if namespaces[root] {
				return "", &TokenError{Field: field, Token: s[i:min(end+1, len(s))], Reason: "malformed"}
			}
			b.WriteByte('{')
			i++
			continue
		}

		value, ok := values[name]
		if !ok {
			return "", &TokenError{Field: field, Token: "{" + name + "}", Reason: "unknown"}
		}
		if escape {
			value = html.EscapeString(value)
		}
		b.WriteString(value)
		i = end + 1
	}

	return b.String(), nil
}

func isTokenChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.'
}

var (
	textPolicy = bluemonday.StrictPolicy()
	breakTags  = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|li|tr|h[1-6]|table|ul|ol|blockquote)>`)
	blankRuns  = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t]+`)
)

// TextFromHTML derives a plain-text body by stripping markup
func TextFromHTML(body string) string {
	body = breakTags.ReplaceAllString(body, "$0\n")
	text := html.UnescapeString(textPolicy.Sanitize(body))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")

	return strings.TrimSpace(blankRuns.ReplaceAllString(text, "\n\n"))
}
