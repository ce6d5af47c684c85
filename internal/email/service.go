package email

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"sankey-license-server/config"
	"sankey-license-server/internal/logging"
)

// Service handles email sending operations
type Service struct {
	cfg    config.SMTPConfig
	logger *logging.Logger
}

// NewService creates a new email service
func NewService(cfg config.SMTPConfig) *Service {
	return &Service{
		cfg:    cfg,
		logger: logging.WithComponent("email"),
	}
}

// IsConfigured checks if SMTP is configured
func (s *Service) IsConfigured() bool {
	return s.cfg.Host != "" && s.cfg.Port != "" && s.cfg.From != ""
}

// SendEmail sends a single HTML email
func (s *Service) SendEmail(to, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("SMTP not configured")
	}

	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}

	message := []byte(
		"From: " + from + "\r\n" +
			"To: " + to + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n" +
			"\r\n" +
			body + "\r\n",
	)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	addr := s.cfg.Host + ":" + s.cfg.Port

	s.logger.Info("Sending email", "to", to, "host", s.cfg.Host, "port", s.cfg.Port)

	var err error
	// For TLS (port 465)
	if s.cfg.Port == "465" {
		err = s.sendEmailTLS(addr, auth, s.cfg.From, []string{to}, message)
	} else {
		// For STARTTLS (port 587) or plain (port 25)
		err = smtp.SendMail(addr, auth, s.cfg.From, []string{to}, message)
	}

	if err != nil {
		s.logger.Error("Failed to send email", "to", to, "error", err)
		return fmt.Errorf("SMTP error: %w", err)
	}

	s.logger.Info("Email sent", "to", to)
	return nil
}

// sendEmailTLS sends email using TLS connection (port 465)
func (s *Service) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	// Connect with TLS
	host := strings.Split(addr, ":")[0]
	tlsConfig := &tls.Config{
		ServerName: host,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	// Authenticate
	if auth != nil {
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	// Set sender
	if err = client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}

	// Add recipients
	for _, recipient := range to {
		if err = client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to add recipient: %w", err)
		}
	}

	// Send message
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}

	_, err = w.Write(msg)
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

// SendLicenseEmail sends an issued license to the applicant
func (s *Service) SendLicenseEmail(to, eaName, accountNumber, licenseKey string, expiry time.Time) error {
	subject := fmt.Sprintf("Your %s License", eaName)
	body := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #1E3A8A; color: white; padding: 20px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { background-color: #f9fafb; padding: 30px; border-radius: 0 0 5px 5px; }
        .license { font-family: monospace; font-size: 13px; word-break: break-all; color: #1E3A8A; margin: 30px 0; padding: 20px; background-color: white; border-radius: 5px; border: 2px dashed #1E3A8A; }
        .detail { margin: 5px 0; }
        .footer { text-align: center; margin-top: 20px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>License Issued</h1>
        </div>
        <div class="content">
            <p>Your license application has been approved.</p>
            <div class="detail"><strong>EA:</strong> %s</div>
            <div class="detail"><strong>Account:</strong> %s</div>
            <div class="detail"><strong>Valid until:</strong> %s</div>
            <p>Copy the license key below into the EA settings of the named account:</p>
            <div class="license">%s</div>
            <p>The license is bound to the account number above and will not work elsewhere.</p>
        </div>
        <div class="footer">
            <p>&copy; 2026 Sankey License Service. All rights reserved.</p>
        </div>
    </div>
</body>
</html>
`, eaName, accountNumber, expiry.UTC().Format("2006-01-02"), licenseKey)

	return s.SendEmail(to, subject, body)
}

// SendRejectionEmail informs the applicant their application was rejected
func (s *Service) SendRejectionEmail(to, eaName, accountNumber, reason string) error {
	subject := fmt.Sprintf("Your %s License Application", eaName)
	reasonBlock := ""
	if reason != "" {
		reasonBlock = fmt.Sprintf(`<div class="detail"><strong>Reason:</strong> %s</div>`, reason)
	}
	body := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #7F1D1D; color: white; padding: 20px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { background-color: #f9fafb; padding: 30px; border-radius: 0 0 5px 5px; }
        .detail { margin: 5px 0; }
        .footer { text-align: center; margin-top: 20px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Application Not Approved</h1>
        </div>
        <div class="content">
            <p>We could not approve your license application.</p>
            <div class="detail"><strong>EA:</strong> %s</div>
            <div class="detail"><strong>Account:</strong> %s</div>
            %s
            <p>You may submit a new application at any time.</p>
        </div>
        <div class="footer">
            <p>&copy; 2026 Sankey License Service. All rights reserved.</p>
        </div>
    </div>
</body>
</html>
`, eaName, accountNumber, reasonBlock)

	return s.SendEmail(to, subject, body)
}
