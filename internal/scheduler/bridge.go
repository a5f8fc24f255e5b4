// Package scheduler translates natural-language-originated schedule
// requests into pg_cron jobs whose bodies call back into this service
// over HTTP. A recurring job persists until unscheduled by name; a
// one-off job unschedules itself after its single firing.
package scheduler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/coldbrewlabs/attache/internal/sandbox"
	"github.com/coldbrewlabs/attache/pkg/models"
)

// Executor runs privileged statements; the pg_cron catalog lives outside
// the sandboxed schema.
type Executor interface {
	ExecutePrivileged(ctx context.Context, statement string, args ...any) (*sandbox.Result, error)
}

var (
	hintPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,48}$`)
	namePattern = regexp.MustCompile(`^(one_off|cron)_[A-Za-z0-9_-]{1,48}_[A-Za-z0-9_-]{1,48}$`)

	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// Error is a scheduling failure surfaced to the agent loop as a tool
// error so the model can correct its request.
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind distinguishes the two job shapes.
type Kind string

const (
	KindOneOff    Kind = "one_off"
	KindRecurring Kind = "cron"
)

// Request describes one schedule-creation call.
type Request struct {
	// ScheduleExpression is either an absolute timestamp (one-off) or a
	// five-field cron expression (recurring).
	ScheduleExpression string
	// DirectiveText is re-submitted to the agent when the job fires.
	DirectiveText string
	// NameHint becomes the job name suffix; optional.
	NameHint string

	ConversationID string
	CallerID       string
	Metadata       map[string]any
	Timezone       string
	// DeliveryCallbackURL is the eventual delivery adapter, nested inside
	// the callback payload.
	DeliveryCallbackURL string
}

// Confirmation describes a registered or removed job.
type Confirmation struct {
	JobName  string     `json:"job_name"`
	Kind     Kind       `json:"kind,omitempty"`
	Schedule string     `json:"schedule,omitempty"`
	FiresAt  *time.Time `json:"fires_at,omitempty"`
	// Found is false when an unschedule call named a job that did not
	// exist; treated as a soft success.
	Found bool `json:"found"`
}

// Job is one row from the pg_cron catalog.
type Job struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Active   bool   `json:"active"`
}

// Bridge registers and removes pg_cron jobs.
type Bridge struct {
	exec Executor
	// callbackURL is this service's own inbound directive endpoint; fired
	// jobs POST to it, closing the loop.
	callbackURL string
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Bridge posting callbacks to callbackURL.
func New(exec Executor, callbackURL string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		exec:        exec,
		callbackURL: callbackURL,
		logger:      logger,
		now:         time.Now,
	}
}

// Schedule validates the request, classifies it as one-off or recurring,
// and registers the job with pg_cron.
func (b *Bridge) Schedule(ctx context.Context, req Request) (*Confirmation, error) {
	if strings.TrimSpace(req.DirectiveText) == "" {
		return nil, &Error{Message: "directive text is required"}
	}
	if !hintPattern.MatchString(req.ConversationID) {
		return nil, &Error{Message: fmt.Sprintf("conversation id %q is not schedulable (letters, digits, _ and - only)", req.ConversationID)}
	}
	if req.NameHint != "" && !hintPattern.MatchString(req.NameHint) {
		return nil, &Error{Message: fmt.Sprintf("job name hint %q must match %s", req.NameHint, hintPattern.String())}
	}

	fireAt, oneOff, err := b.classify(req.ScheduleExpression, req.Timezone)
	if err != nil {
		return nil, err
	}

	kind := KindRecurring
	if oneOff {
		kind = KindOneOff
	}
	name := b.jobName(kind, req.ConversationID, req.NameHint)

	payload, err := b.encodePayload(req)
	if err != nil {
		return nil, &Error{Message: "encode callback payload", Cause: err}
	}

	var schedule, body string
	conf := &Confirmation{JobName: name, Kind: kind, Found: true}
	if oneOff {
		schedule = oneOffCron(fireAt)
		body = b.oneOffBody(name, payload)
		t := fireAt
		conf.FiresAt = &t
	} else {
		schedule = req.ScheduleExpression
		body = b.recurringBody(payload)
	}
	conf.Schedule = schedule

	if _, err := b.exec.ExecutePrivileged(ctx, `SELECT cron.schedule($1, $2, $3)`, name, schedule, body); err != nil {
		return nil, &Error{Message: fmt.Sprintf("register job %s", name), Cause: err}
	}

	b.logger.Info("scheduled job",
		"job", name,
		"kind", string(kind),
		"schedule", schedule,
		"conversation_id", req.ConversationID)
	return conf, nil
}

// Unschedule removes a job by name. A job that is already gone is a soft
// success: the desired end state holds either way.
func (b *Bridge) Unschedule(ctx context.Context, jobName string) (*Confirmation, error) {
	if !namePattern.MatchString(jobName) {
		return nil, &Error{Message: fmt.Sprintf("job name %q does not match the expected format", jobName)}
	}

	if _, err := b.exec.ExecutePrivileged(ctx, `SELECT cron.unschedule($1)`, jobName); err != nil {
		if isNotFound(err) {
			b.logger.Info("unschedule: job already gone", "job", jobName)
			return &Confirmation{JobName: jobName, Found: false}, nil
		}
		return nil, &Error{Message: fmt.Sprintf("unschedule job %s", jobName), Cause: err}
	}
	return &Confirmation{JobName: jobName, Found: true}, nil
}

// ListJobs returns active pg_cron jobs belonging to one conversation,
// matched by the deterministic name prefix.
func (b *Bridge) ListJobs(ctx context.Context, conversationID string) ([]Job, error) {
	if !hintPattern.MatchString(conversationID) {
		return nil, &Error{Message: fmt.Sprintf("conversation id %q is not listable", conversationID)}
	}

	// Underscores are LIKE wildcards; escape them so conversation "a_b"
	// cannot match jobs of conversation "aXb".
	escaped := strings.ReplaceAll(conversationID, `_`, `\_`)
	result, err := b.exec.ExecutePrivileged(ctx, `
		SELECT jobname, schedule, active
		FROM cron.job
		WHERE (jobname LIKE $1 ESCAPE '\' OR jobname LIKE $2 ESCAPE '\') AND active
		ORDER BY jobname
	`,
		`one\_off\_`+escaped+`\_%`,
		`cron\_`+escaped+`\_%`,
	)
	if err != nil {
		return nil, &Error{Message: "list jobs", Cause: err}
	}

	jobs := make([]Job, 0, len(result.Rows))
	for _, row := range result.Rows {
		job := Job{}
		if v, ok := row["jobname"].(string); ok {
			job.Name = v
		}
		if v, ok := row["schedule"].(string); ok {
			job.Schedule = v
		}
		switch v := row["active"].(type) {
		case bool:
			job.Active = v
		case string:
			job.Active = v == "true" || v == "t"
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// classify decides one-off versus recurring. Absolute timestamps become
// one-off jobs; anything else must be a valid five-field cron expression.
func (b *Bridge) classify(expr, timezone string) (time.Time, bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, false, &Error{Message: "schedule expression is required"}
	}

	t, isInstant, err := parseInstant(expr, timezone)
	if err != nil {
		return time.Time{}, false, err
	}
	if isInstant {
		if !t.After(b.now()) {
			return time.Time{}, false, &Error{Message: fmt.Sprintf("instant %s is in the past", t.Format(time.RFC3339))}
		}
		return t, true, nil
	}

	if _, err := cronParser.Parse(expr); err != nil {
		return time.Time{}, false, &Error{Message: fmt.Sprintf("%q is neither an absolute timestamp nor a cron expression", expr), Cause: err}
	}
	return time.Time{}, false, nil
}

func parseInstant(expr, timezone string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t, true, nil
	}

	loc := time.UTC
	var locErr error
	if timezone != "" {
		if loc, locErr = time.LoadLocation(timezone); locErr != nil {
			loc = time.UTC
		}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		t, err := time.ParseInLocation(layout, expr, loc)
		if err != nil {
			continue
		}
		if locErr != nil {
			// A wall-clock instant in an unknown timezone would fire at
			// the wrong moment; reject so the model can correct it.
			return time.Time{}, false, &Error{Message: fmt.Sprintf("unknown timezone %q", timezone), Cause: locErr}
		}
		return t, true, nil
	}
	return time.Time{}, false, nil
}

func (b *Bridge) jobName(kind Kind, conversationID, hint string) string {
	suffix := hint
	if suffix == "" {
		suffix = fmt.Sprintf("%d", b.now().Unix())
	}
	return fmt.Sprintf("%s_%s_%s", kind, conversationID, suffix)
}

// oneOffCron derives the single-fire cron fields matching the target
// instant. pg_cron evaluates schedules in UTC by default.
func oneOffCron(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d %d %d %d *", t.Minute(), t.Hour(), t.Day(), int(t.Month()))
}

// encodePayload builds the callback payload and hex-encodes it. The job
// body is stored SQL text executed later by pg_cron; hex is the one
// encoding whose alphabet cannot break out of any quoting context, so the
// untrusted directive text never appears literally in the body.
func (b *Bridge) encodePayload(req Request) (string, error) {
	payload := models.Directive{
		DirectiveText:  req.DirectiveText,
		ConversationID: req.ConversationID,
		CallerID:       req.CallerID,
		Metadata:       req.Metadata,
		Timezone:       req.Timezone,
		Role:           models.RoleRoutine,
		CallbackURL:    req.DeliveryCallbackURL,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(encoded), nil
}

func (b *Bridge) httpPostCall(payloadHex string) string {
	return fmt.Sprintf(
		"net.http_post(url := %s, headers := '{\"Content-Type\": \"application/json\"}'::jsonb, body := convert_from(decode('%s', 'hex'), 'UTF8')::jsonb)",
		pq.QuoteLiteral(b.callbackURL),
		payloadHex,
	)
}

// recurringBody posts the callback; pg_cron fires it again on the next
// schedule match until the job is unscheduled by name.
func (b *Bridge) recurringBody(payloadHex string) string {
	return "SELECT " + b.httpPostCall(payloadHex)
}

// oneOffBody posts the callback and then unschedules the job. The
// exception handler also unschedules, so a failing one-off can never be
// left behind to fire every year; the error goes to the database log via
// RAISE NOTICE instead of propagating.
func (b *Bridge) oneOffBody(name, payloadHex string) string {
	quotedName := pq.QuoteLiteral(name)
	return fmt.Sprintf(`DO $job$
BEGIN
  PERFORM %s;
  PERFORM cron.unschedule(%s);
EXCEPTION WHEN OTHERS THEN
  PERFORM cron.unschedule(%s);
  RAISE NOTICE 'one-off job %% failed: %%', %s, SQLERRM;
END
$job$`, b.httpPostCall(payloadHex), quotedName, quotedName, quotedName)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find") || strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found")
}
