package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/t77yq/crisis-escalation/internal/model"
)

// Profile controls how a risk type is presented in a notification
type Profile struct {
	Label   string
	Urgency string
}

// Message is a transport-independent notification
type Message struct {
	AlertID    string
	Tier       int
	Recipients []string
	Subject    string
	BodyHTML   string
	BodyText   string
}

// Composer renders alerts into messages
type Composer struct {
	profiles      map[model.RiskType]Profile
	excerptLength int
}

// NewComposer creates a composer. profiles must cover every risk type
// (config validation guarantees it); excerptLength <= 0 means no truncation.
func NewComposer(profiles map[model.RiskType]Profile, excerptLength int) *Composer {
	return &Composer{profiles: profiles, excerptLength: excerptLength}
}

// Compose builds the fixed message shape for alert at the given tier.
// Tier 0 is the initial alert notification.
func (c *Composer) Compose(alert *model.Alert, tier int) Message {
	profile, ok := c.profiles[alert.RiskType]
	if !ok {
		profile = Profile{Label: string(alert.RiskType), Urgency: "immediate"}
	}

	prefix := "[CRISIS ALERT]"
	if tier > 0 {
		prefix = fmt.Sprintf("[ESCALATION TIER %d]", tier)
	}
	subject := fmt.Sprintf("%s %s %s - %s", prefix, alert.RiskLevel, alert.RiskType, profile.Label)

	excerpt := c.excerpt(alert.SourceMessage)
	keywords := strings.Join(alert.DetectedKeywords, ", ")
	created := alert.CreatedAt.UTC().Format(time.RFC3339)

	fields := [][2]string{
		{"Alert ID", alert.ID},
		{"Created", created},
		{"User", alert.UserID},
		{"Session", alert.SessionID},
		{"Risk type", profile.Label + " (" + string(alert.RiskType) + ")"},
		{"Risk level", string(alert.RiskLevel)},
		{"Urgency", profile.Urgency},
		{"Keywords", keywords},
		{"Message excerpt", excerpt},
	}

	var text strings.Builder
	var body strings.Builder
	if tier > 0 {
		fmt.Fprintf(&text, "Alert %s has not been acknowledged. Escalation tier %d.\n\n", alert.ID, tier)
		fmt.Fprintf(&body, "<p><strong>Alert %s has not been acknowledged. Escalation tier %d.</strong></p>\n",
			html.EscapeString(alert.ID), tier)
	}
	body.WriteString("<table>\n")
	for _, f := range fields {
		fmt.Fprintf(&text, "%s: %s\n", f[0], f[1])
		fmt.Fprintf(&body, "<tr><th align=\"left\">%s</th><td>%s</td></tr>\n",
			html.EscapeString(f[0]), html.EscapeString(f[1]))
	}
	body.WriteString("</table>\n")
	text.WriteString("\nAcknowledge this alert in the clinical dashboard.\n")
	body.WriteString("<p>Acknowledge this alert in the clinical dashboard.</p>\n")

	return Message{
		AlertID:  alert.ID,
		Tier:     tier,
		Subject:  subject,
		BodyHTML: body.String(),
		BodyText: text.String(),
	}
}

func (c *Composer) excerpt(s string) string {
	if c.excerptLength <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= c.excerptLength {
		return s
	}
	return string(r[:c.excerptLength]) + "..."
}
