package email

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/gomail.v2"
)

// Mailer sends transactional email over SMTP.
type Mailer struct {
	host string
	port int
	user string
	pass string
}

// NewMailer loads SMTP configuration from environment variables.
func NewMailer() *Mailer {
	port, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil {
		port = 587
	}
	return &Mailer{
		host: os.Getenv("SMTP_HOST"),
		port: port,
		user: os.Getenv("SMTP_USER"),
		pass: os.Getenv("SMTP_PASS"),
	}
}

// SendRefundConfirmation tells a user their refund has gone through.
func (m *Mailer) SendRefundConfirmation(to, name string, amount float64) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.user)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "Your refund has been processed")
	msg.SetBody("text/plain", fmt.Sprintf(
		"Hi %s,\n\nYour refund of $%.2f has been processed and is on its way back to your original payment method. Depending on your bank, it may take 5-10 business days to appear.\n\nThe FixMate Team",
		name, amount))

	d := gomail.NewDialer(m.host, m.port, m.user, m.pass)
	return d.DialAndSend(msg)
}
