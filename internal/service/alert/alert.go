// Package alert e-mails the account holder when a security event needs
// their attention and the organisation has alerts enabled.
package alert

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"fieldops-security/internal/domain/security"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventStore is the security event repository being wrapped.
type EventStore interface {
	Create(ctx context.Context, e *security.SecurityEvent) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]security.SecurityEvent, error)
}

type Accounts interface {
	FindByID(ctx context.Context, id uuid.UUID) (*security.Account, error)
}

type Policies interface {
	Effective(ctx context.Context, orgID uuid.UUID) security.SessionPolicy
}

type Mailer interface {
	Send(to, subject, bodyHTML string) error
}

var subjects = map[string]string{
	security.EventNewDeviceLogin:  "New sign-in to your FieldOps account",
	security.EventAccountLocked:   "Your FieldOps account was locked",
	security.EventSuspiciousLogin: "Suspicious sign-in attempts on your FieldOps account",
}

// Recorder stores events like the wrapped store and mails the alerting
// ones in the background. Mail failures never reach the caller.
type Recorder struct {
	EventStore
	accounts Accounts
	policies Policies
	mailer   Mailer
	logger   *zap.Logger

	wg sync.WaitGroup
}

func NewRecorder(store EventStore, accounts Accounts, policies Policies, mailer Mailer, logger *zap.Logger) *Recorder {
	return &Recorder{
		EventStore: store,
		accounts:   accounts,
		policies:   policies,
		mailer:     mailer,
		logger:     logger,
	}
}

func (r *Recorder) Create(ctx context.Context, e *security.SecurityEvent) error {
	if err := r.EventStore.Create(ctx, e); err != nil {
		return err
	}

	subject, ok := subjects[e.EventType]
	if !ok || r.mailer == nil {
		return nil
	}

	ev := *e
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		r.send(ctx, subject, ev)
	}()
	return nil
}

func (r *Recorder) send(ctx context.Context, subject string, e security.SecurityEvent) {
	account, err := r.accounts.FindByID(ctx, e.UserID)
	if err != nil {
		r.logger.Warn("alert recipient lookup failed",
			zap.String("user_id", e.UserID.String()),
			zap.Error(err))
		return
	}

	if !r.policies.Effective(ctx, account.OrgID).NotifySuspiciousLogins {
		return
	}

	if err := r.mailer.Send(account.Email, subject, body(account, e)); err != nil {
		r.logger.Warn("failed to send security alert",
			zap.String("user_id", e.UserID.String()),
			zap.String("event_type", e.EventType),
			zap.Error(err))
		return
	}
	r.logger.Info("security alert sent",
		zap.String("user_id", e.UserID.String()),
		zap.String("event_type", e.EventType))
}

func body(account *security.Account, e security.SecurityEvent) string {
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf(`<p>Hello %s,</p>
<p>%s</p>
<p>IP address: %s<br/>Time: %s</p>
<p>If this was not you, contact your administrator and end the session from your security settings.</p>`,
		html.EscapeString(account.FullName),
		html.EscapeString(e.EventDescription),
		html.EscapeString(e.IPAddress),
		at.UTC().Format("2 Jan 2006 15:04 MST"))
}

// Wait blocks until queued alerts have been attempted.
func (r *Recorder) Wait() {
	r.wg.Wait()
}
