package alerting

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"
	"time"

	"price-alert-engine/internal/models"
)

// Message is the channel-independent rendering of a fire event.
type Message struct {
	Fire    models.FireEvent
	OwnerID string
	Subject string
	// Text is plain text for logs, webhooks and event streams.
	Text string
	// HTML is a complete email body.
	HTML string
	// Chat uses the limited HTML subset accepted by chat bots (<b>, <i>).
	Chat string
}

var emailTemplate = template.Must(template.New("email").Parse(`<html>
  <body style="font-family: Arial, sans-serif;">
    <h2 style="color: #2E86AB;">Stock Price Alert</h2>
    <div style="background-color: #f0f0f0; padding: 20px; border-radius: 5px;">
      <p><strong>{{.Symbol}} {{.Direction}} {{.Threshold}}</strong></p>
      <p>Current price: <strong>{{.Value}}</strong></p>
      <p>Your target: {{.Threshold}} ({{.Operator}})</p>
      {{- if .Change}}
      <p>Change: <span style="color: {{.ChangeColor}};">{{.Change}}</span></p>
      {{- end}}
      <p>Quote time: {{.QuoteAt}}</p>
      <p style="color: #888888; font-size: 12px;">Alert {{.FireID}}</p>
    </div>
  </body>
</html>
`))

type emailView struct {
	Symbol    string
	Direction string
	Operator  string
	Threshold string
	Value     string
	QuoteAt   string
	FireID    string

	Change      string
	ChangeColor string
}

// changeLine formats the move from the previous close as a signed percentage.
// up is true for a flat or rising price.
func changeLine(fire models.FireEvent) (change string, up bool, ok bool) {
	pct, ok := fire.ChangePercent()
	if !ok {
		return "", false, false
	}
	pct = pct.Round(2)
	if pct.IsNegative() {
		return pct.StringFixed(2) + "%", false, true
	}
	return "+" + pct.StringFixed(2) + "%", true, true
}

func direction(op models.Operator) string {
	if op == models.CrossesBelow {
		return "crossed below"
	}
	return "crossed above"
}

// Render formats a fire event for delivery. It is pure: the same rule and fire always
// produce the same message.
func Render(rule models.Rule, fire models.FireEvent) (Message, error) {
	dir := direction(fire.Operator)
	quoteAt := fire.QuoteAt.UTC().Format(time.RFC3339)
	threshold := fire.Threshold.String()
	value := fire.Value.String()
	change, up, hasChange := changeLine(fire)

	msg := Message{
		Fire:    fire,
		OwnerID: rule.OwnerID,
		Subject: fmt.Sprintf("Stock Alert: %s %s %s", fire.Symbol, dir, threshold),
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Stock Alert: %s\n", fire.Symbol)
	fmt.Fprintf(&text, "Price %s %s %s\n", value, dir, threshold)
	if hasChange {
		fmt.Fprintf(&text, "Change: %s\n", change)
	}
	fmt.Fprintf(&text, "Quote time: %s UTC\n", quoteAt)
	fmt.Fprintf(&text, "Alert: %s\n", fire.ID)
	msg.Text = text.String()

	var chat strings.Builder
	fmt.Fprintf(&chat, "<b>Stock Alert: %s</b>\n\n", html.EscapeString(fire.Symbol))
	fmt.Fprintf(&chat, "Current Price: <b>%s</b>\n", html.EscapeString(value))
	fmt.Fprintf(&chat, "Your Target: %s (%s)\n", html.EscapeString(threshold), dir)
	marker, color := "🔴", "red"
	if up {
		marker, color = "🟢", "green"
	}
	if hasChange {
		fmt.Fprintf(&chat, "Change: %s %s\n", marker, change)
	}
	chat.WriteString("\n")
	fmt.Fprintf(&chat, "<i>%s UTC</i>", quoteAt)
	msg.Chat = chat.String()

	var body bytes.Buffer
	if err := emailTemplate.Execute(&body, emailView{
		Symbol:      fire.Symbol,
		Direction:   dir,
		Operator:    string(fire.Operator),
		Threshold:   threshold,
		Value:       value,
		QuoteAt:     quoteAt + " UTC",
		FireID:      fire.ID,
		Change:      change,
		ChangeColor: color,
	}); err != nil {
		return Message{}, fmt.Errorf("render email: %w", err)
	}
	msg.HTML = body.String()
	return msg, nil
}
