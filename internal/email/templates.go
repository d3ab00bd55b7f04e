package email

import (
	"fmt"
	"html/template"
	"strings"
	"time"
)

// AlertData feeds the reconcile escalation template.
type AlertData struct {
	SessionID string
	QueueName string
	Op        string
	Attempts  int
	LastError string
	When      time.Time
}

var alertTemplate = template.Must(template.New("reconcile_alert").Parse(`
<h3>Session out of sync with access device</h3>
<p>The reconcile sweep could not re-apply the pending device change for this
session after {{.Attempts}} consecutive attempts.</p>
<table cellpadding="4">
  <tr><td><b>Session</b></td><td>{{.SessionID}}</td></tr>
  <tr><td><b>Queue</b></td><td>{{.QueueName}}</td></tr>
  <tr><td><b>Pending operation</b></td><td>{{.Op}}</td></tr>
  <tr><td><b>Last error</b></td><td>{{.LastError}}</td></tr>
  <tr><td><b>As of</b></td><td>{{.When.Format "2006-01-02 15:04:05 MST"}}</td></tr>
</table>
<p>The session stays flagged and the sweep keeps retrying. Manual device
intervention is likely needed.</p>
`))

// RenderAlertBody renders the HTML body for a reconcile escalation email.
func RenderAlertBody(data AlertData) (string, error) {
	var buf strings.Builder
	if err := alertTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render alert template: %w", err)
	}
	return buf.String(), nil
}
