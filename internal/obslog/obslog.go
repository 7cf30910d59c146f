// Package obslog projects vault-domain fields (project, key, principal,
// token) onto the shared logrus logger, the way infrastructure/logging's
// WithContext projects trace/user/role fields.
package obslog

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/vaultwright/secretcore/infrastructure/logging"
	"github.com/vaultwright/secretcore/infrastructure/redaction"
)

// Logger wraps the shared structured logger for vault-core callers. Every
// detail map logged through Audit passes the redactor first, so a secret
// value that leaks into a field name or error string never reaches the log
// backend.
type Logger struct {
	*logging.Logger
	redactor *redaction.Redactor
}

// New constructs a vault-domain logger. level/format follow logrus
// conventions ("info"/"debug"/…, "json"/"text").
func New(level, format string) *Logger {
	return &Logger{
		Logger:   logging.New("vaultcore", level, format),
		redactor: redaction.NewRedactor(redaction.DefaultConfig()),
	}
}

// FromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT, matching
// infrastructure/logging.NewFromEnv.
func FromEnv() *Logger {
	return &Logger{
		Logger:   logging.NewFromEnv("vaultcore"),
		redactor: redaction.NewRedactor(redaction.DefaultConfig()),
	}
}

// WithProject returns an entry scoped to a project/key pair. key may be
// empty for project-level events.
func (l *Logger) WithProject(ctx context.Context, project, key string) *logrus.Entry {
	entry := l.WithContext(ctx).WithField("project", project)
	if key != "" {
		entry = entry.WithField("key", key)
	}
	return entry
}

// WithPrincipal returns an entry scoped to the calling principal and,
// optionally, the token that authenticated them.
func (l *Logger) WithPrincipal(ctx context.Context, principal, tokenID string) *logrus.Entry {
	entry := l.WithContext(ctx).WithField("principal", principal)
	if tokenID != "" {
		entry = entry.WithField("token_id", tokenID)
	}
	return entry
}

// Audit logs a security-relevant decision using the shared
// Logger.LogSecurityEvent shape, redacting sensitive detail values first.
func (l *Logger) Audit(ctx context.Context, eventKind string, outcome string, details map[string]any) {
	fields := make(map[string]interface{}, len(details)+1)
	for k, v := range details {
		fields[k] = v
	}
	fields = l.redactor.RedactMap(fields)
	fields["outcome"] = outcome
	l.LogSecurityEvent(ctx, eventKind, fields)
}
