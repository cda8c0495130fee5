package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"AgentPay-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog    Channel = "log"
	ChannelEmail  Channel = "email"
	ChannelPlugin Channel = "plugin"
)

// 通知类型。
const (
	TypeProposalPending = "proposal_pending"
	TypeAutoExecuted    = "auto_executed"
	TypeProposalFailed  = "proposal_failed"
	TypeAgentPaused     = "agent_paused"
)

// Notification 描述一条发给所有者的通知。
type Notification struct {
	OwnerAddress string
	Type         string
	Title        string
	Message      string
	Metadata     map[string]string
	OccurredAt   time.Time
}

// Sender 负责把通知送达指定渠道。发送是尽力而为的，
// 失败不得阻断支付执行路径。
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, n Notification) error
}

// Dispatcher 将通知广播给多个发送器。
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// FanoutDispatcher 实现将通知投递到多个发送器的逻辑。
type FanoutDispatcher struct {
	senders map[Channel]Sender
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(senders ...Sender) *FanoutDispatcher {
	set := make(map[Channel]Sender, len(senders))
	for _, s := range senders {
		if s == nil {
			continue
		}
		set[s.Channel()] = s
	}
	return &FanoutDispatcher{senders: set}
}

// Notify 将通知广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, n Notification) error {
	if d == nil {
		return nil
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now()
	}
	var errs []error
	for _, sender := range d.senders {
		if err := sender.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", sender.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogSender 把通知写入运行日志，作为默认渠道兜底。
type LogSender struct {
	log *slog.Logger
}

// NewLogSender 创建日志通知发送器。
func NewLogSender() *LogSender {
	return &LogSender{log: logger.Named("notify")}
}

// Channel 返回日志渠道。
func (s *LogSender) Channel() Channel { return ChannelLog }

// Send 记录通知内容。
func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.log.Info("owner notification",
		slog.String("owner", n.OwnerAddress),
		slog.String("type", n.Type),
		slog.String("title", n.Title),
		slog.String("message", n.Message),
	)
	return nil
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送通知。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Send 发送邮件。
func (n *EmailNotifier) Send(ctx context.Context, notification Notification) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送",
			slog.String("owner", notification.OwnerAddress))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, notification.Type, notification.Title)
	content := fmt.Sprintf("时间: %s\n所有者: %s\n%s",
		notification.OccurredAt.Format(time.RFC3339), notification.OwnerAddress, notification.Message)
	if len(notification.Metadata) > 0 {
		content += "\n详情:\n"
		for k, v := range notification.Metadata {
			content += fmt.Sprintf("- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, content, n.To)
}

// SMTPSender 通过 SMTP 服务器发送邮件，实现 EmailSender。
// Username 为空时不做认证。
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Send 发送一封纯文本邮件。
func (s *SMTPSender) Send(_ context.Context, subject, content string, to []string) error {
	if s == nil || s.Host == "" || s.From == "" || len(to) == 0 {
		return errors.New("smtp sender is not configured")
	}
	port := s.Port
	if port == 0 {
		port = 587
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.From, strings.Join(to, ", "), subject, content)

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.Host, port)
	return smtp.SendMail(addr, auth, s.From, to, []byte(msg))
}
