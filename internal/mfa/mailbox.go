package mfa

import (
	"context"
	"fmt"
	"io"
	"mime/quotedprintable"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/config"
)

// startMargin absorbs clock skew between the mail server and this host when
// filtering out messages that predate the login attempt.
const startMargin = 30 * time.Second

// codePatterns are tried in order against the message body. The provider
// puts the code in a <strong> cell; the bare 6-digit match is the fallback.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<strong>\s*(\d{6})\s*</strong>`),
	regexp.MustCompile(`(?is)c[oó]digo[^<]*<[^>]*>(\d{6})`),
	regexp.MustCompile(`\b(\d{6})\b`),
}

// MailboxReader answers the email-MFA challenge by polling an IMAP inbox
// for the provider's verification message. Only messages that arrive after
// the reader starts looking are considered; stale codes from earlier
// attempts are rejected by the provider anyway.
type MailboxReader struct {
	server       string
	username     string
	password     string
	sender       string
	subject      string
	pollInterval time.Duration
	maxWait      time.Duration
}

func NewMailboxReader(cfg config.IMAP) *MailboxReader {
	return &MailboxReader{
		server:       cfg.Server,
		username:     cfg.Username,
		password:     cfg.Password,
		sender:       cfg.Sender,
		subject:      cfg.SubjectFilter,
		pollInterval: 5 * time.Second,
		maxWait:      60 * time.Second,
	}
}

// VerificationCode polls the inbox until a fresh verification message shows
// up or the wait budget runs out.
func (r *MailboxReader) VerificationCode(ctx context.Context) (string, error) {
	if r.username == "" || r.password == "" {
		return "", fmt.Errorf("mailbox credentials are not configured")
	}

	searchStart := time.Now().Add(-startMargin)
	deadline := time.Now().Add(r.maxWait)

	log.Infof("waiting for the verification email at %s", r.username)
	for {
		code, err := r.fetchCode(searchStart)
		if err != nil {
			log.Warnf("mailbox check failed: %v", err)
		} else if code != "" {
			log.Info("verification code received")
			return code, nil
		}

		if time.Now().Add(r.pollInterval).After(deadline) {
			return "", fmt.Errorf("no verification email within %s", r.maxWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

// fetchCode runs one connect-search-fetch cycle. A fresh connection per poll
// keeps the code simple and sidesteps IMAP idle-timeout handling.
func (r *MailboxReader) fetchCode(searchStart time.Time) (string, error) {
	c, err := client.DialTLS(r.server, nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", r.server, err)
	}
	defer func() {
		_ = c.Logout()
	}()

	if err = c.Login(r.username, r.password); err != nil {
		return "", fmt.Errorf("mailbox login failed: %w", err)
	}
	if _, err = c.Select("INBOX", true); err != nil {
		return "", fmt.Errorf("failed to select inbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	if r.sender != "" {
		criteria.Header.Add("From", r.sender)
	}
	// SINCE has date granularity; the envelope timestamp check below does
	// the fine filtering.
	criteria.Since = searchStart.Truncate(24 * time.Hour)

	ids, err := c.Search(criteria)
	if err != nil {
		return "", fmt.Errorf("inbox search failed: %w", err)
	}
	if len(ids) == 0 {
		return "", nil
	}

	// Newest first, cap at the last 10 matches.
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) > 10 {
		ids = ids[:10]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	var code string
	for msg := range messages {
		if code != "" {
			continue
		}
		if msg.Envelope == nil {
			continue
		}
		if r.subject != "" && !strings.Contains(strings.ToLower(msg.Envelope.Subject), strings.ToLower(r.subject)) {
			continue
		}
		if msg.Envelope.Date.Before(searchStart) {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			continue
		}
		code = extractCode(string(raw))
	}
	if err = <-done; err != nil {
		return "", fmt.Errorf("message fetch failed: %w", err)
	}
	return code, nil
}

// extractCode pulls the 6-digit code out of a raw message. Bodies usually
// arrive quoted-printable encoded, so a decoded copy is scanned too.
func extractCode(body string) string {
	candidates := []string{body}
	if decoded, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(body))); err == nil {
		candidates = append(candidates, string(decoded))
	}
	for _, text := range candidates {
		for _, pattern := range codePatterns {
			if m := pattern.FindStringSubmatch(text); m != nil {
				return m[1]
			}
		}
	}
	return ""
}
