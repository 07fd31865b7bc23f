package mailqueue

import (
	"encoding/json"
	"fmt"

	"github.com/gratipay/gratipay-server/internal/models"
	"github.com/gratipay/gratipay-server/pkg/mail"
)

// renderMessage turns a spooled row into a deliverable message. Rendering is
// deliberately plain text; the website carries the rich version of each flow.
func (q *Queue) renderMessage(row models.QueuedEmail, address string) mail.Message {
	context := decodeContext([]byte(row.Context))

	username := contextString(context, "username")
	if username == "" && row.Participant != nil {
		username = row.Participant.Username
	}

	recipient := address
	if row.Participant != nil {
		recipient = row.Participant.MailboxName(address)
	}

	subject, body := renderTemplate(row.Template, username, context)
	return mail.Message{
		To:      []string{recipient},
		Subject: subject,
		Body:    body,
	}
}

func renderTemplate(template, username string, context map[string]any) (subject, body string) {
	newEmail := contextString(context, "new_email")
	link := contextString(context, "link")

	switch template {
	case models.TemplateVerification:
		if contextBool(context, "new_email_verified") {
			subject = fmt.Sprintf("Connecting %s to %s on Gratipay.", newEmail, username)
			body = fmt.Sprintf(
				"We are connecting %s to the %s account on Gratipay. Follow this link to finish the process:\n\n%s\n",
				newEmail, username, link)
			return subject, body
		}
		subject = fmt.Sprintf("Connect to %s on Gratipay?", username)
		body = fmt.Sprintf(
			"We've received a request to connect %s to the %s account on Gratipay. Follow this link to finish the process:\n\n%s\n",
			newEmail, username, link)
		return subject, body

	case models.TemplateVerificationNotice:
		subject = fmt.Sprintf("Connecting %s to %s on Gratipay.", newEmail, username)
		body = fmt.Sprintf(
			"We are connecting %s to the %s account on Gratipay. If you did not request this, please contact support@gratipay.com.\n",
			newEmail, username)
		return subject, body
	}

	// Unknown templates still go out rather than wedging the queue.
	subject = contextString(context, "subject")
	if subject == "" {
		subject = "A message from Gratipay"
	}
	return subject, contextString(context, "body")
}

func decodeContext(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var context map[string]any
	if err := json.Unmarshal(raw, &context); err != nil {
		return nil
	}
	return context
}

func contextString(context map[string]any, key string) string {
	if value, ok := context[key].(string); ok {
		return value
	}
	return ""
}

func contextBool(context map[string]any, key string) bool {
	value, ok := context[key].(bool)
	return ok && value
}
