package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"bidkeeper/internal/config"
	"bidkeeper/internal/model"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// Notify 发送邮件通知。配置不完整时静默跳过，不当作错误。
func (n *EmailNotifier) Notify(ctx context.Context, task *model.BiddingTask, event string, detail string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(n.cfg.ToEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", fmt.Sprintf("[bidkeeper] %s — task #%d", subjectFor(event), task.ID))
	m.SetBody("text/html", n.buildHTMLBody(task, event, detail))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email notification sent",
		slog.String("to", n.cfg.ToEmail),
		slog.String("event", event),
		slog.Uint64("task_id", uint64(task.ID)))
	return nil
}

func subjectFor(event string) string {
	switch event {
	case EventCappedAtMax:
		return "Bid capped at max price"
	case EventFrozen:
		return "Task frozen: ad not found"
	case EventAuthFailed:
		return "Account authentication failing"
	default:
		return "Bidding event"
	}
}

func (n *EmailNotifier) buildHTMLBody(task *model.BiddingTask, event string, detail string) string {
	title := task.Title
	if title == "" {
		title = fmt.Sprintf("ad %d", task.AdID)
	}

	price := "—"
	if task.CurrentPrice != nil {
		price = fmt.Sprintf("%.2f ₽", *task.CurrentPrice)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 560px; margin: 0 auto; padding: 16px;">
    <h2>bidkeeper — %s</h2>
    <p><b>%s</b> (task #%d, ad %d)</p>
    <p>Current bid: %s, range %.2f–%.2f ₽, target positions %d–%d</p>
    <p>%s</p>
  </div>
</body>
</html>`,
		subjectFor(event), title, task.ID, task.AdID,
		price, task.MinPrice, task.MaxPrice,
		task.TargetPositionMin, task.TargetPositionMax,
		detail)
}
