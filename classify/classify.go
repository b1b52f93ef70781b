package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"

	"github.com/dhcgn/remailer/entity"
	"github.com/dhcgn/remailer/rewrite"
)

// DefaultProvenanceHeaders are kept on rewritten messages unless configured
// otherwise.
var DefaultProvenanceHeaders = []string{"X-InfApp", "X-InfContact", "X-campaignid"}

// contentHeaders describe how the body is framed and always survive.
var contentHeaders = []string{"Subject", "MIME-Version", "Content-Type", "Content-Transfer-Encoding"}

// Kind is the fate of a classified message.
type Kind int

const (
	Untagged Kind = iota
	Tagged
)

func (k Kind) String() string {
	switch k {
	case Tagged:
		return "tagged"
	case Untagged:
		return "untagged"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of classifying one message.
type Outcome struct {
	Kind       Kind
	Recipients RecipientSet
	// Message is the rewritten message, set for Tagged outcomes.
	Message *entity.Entity
}

// Options configures header rewriting.
type Options struct {
	From              string
	Location          *time.Location
	ProvenanceHeaders []string
	Now               func() time.Time
}

// Classifier walks messages through the part processor.
type Classifier struct {
	processor *rewrite.Processor
	opts      Options
}

// New returns a Classifier. Zero-valued options fall back to UTC, the wall
// clock and DefaultProvenanceHeaders.
func New(processor *rewrite.Processor, opts Options) *Classifier {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProvenanceHeaders == nil {
		opts.ProvenanceHeaders = DefaultProvenanceHeaders
	}
	return &Classifier{processor: processor, opts: opts}
}

// Classify rewrites every text leaf of msg in place, collects the recipients
// and, when there are any, rewrites the headers for sending.
func (c *Classifier) Classify(ctx context.Context, msg *entity.Entity) (Outcome, error) {
	recipients, err := c.Scan(ctx, msg)
	if err != nil {
		return Outcome{}, err
	}
	if recipients.Len() == 0 {
		return Outcome{Kind: Untagged}, nil
	}

	c.RewriteHeaders(msg, recipients)
	return Outcome{Kind: Tagged, Recipients: recipients, Message: msg}, nil
}

// Scan runs the part processor over every leaf of msg and returns the union
// of the recipients found.
func (c *Classifier) Scan(ctx context.Context, msg *entity.Entity) (RecipientSet, error) {
	var recipients RecipientSet

	err := msg.Walk(func(node, parent *entity.Entity) error {
		if node.IsMultipart() {
			return nil
		}
		mainType, subType := node.MediaType()
		if mainType != "text" {
			return nil
		}

		text, err := node.Text()
		if err != nil {
			return fmt.Errorf("part %s/%s: %w", mainType, subType, err)
		}

		res, err := c.processor.ProcessPart(ctx, text, subType)
		if err != nil {
			return fmt.Errorf("part %s/%s: %w", mainType, subType, err)
		}

		// The root has no parent to be removed from; it is processed as text.
		if res.Remove && parent != nil {
			parent.RemoveChild(node)
			return nil
		}
		if res.Remove {
			res, err = c.processor.Rewrite(ctx, text)
			if err != nil {
				return fmt.Errorf("part %s/%s: %w", mainType, subType, err)
			}
		}

		recipients.Add(res.Recipients...)

		if res.Text != text {
			if err := node.SetText(res.Text); err != nil {
				return fmt.Errorf("part %s/%s: %w", mainType, subType, err)
			}
		}
		return nil
	})
	if err != nil {
		return RecipientSet{}, err
	}
	return recipients, nil
}

// RewriteHeaders replaces the header of msg with the allow-listed fields of
// the old one plus a fresh Date, the operator From and one To.
func (c *Classifier) RewriteHeaders(msg *entity.Entity, recipients RecipientSet) {
	old := msg.Header

	type field struct{ key, value string }
	var fields []field

	fields = append(fields, field{"Date", c.opts.Now().In(c.opts.Location).Format(time.RFC1123Z)})
	for _, key := range append(append([]string(nil), contentHeaders...), c.opts.ProvenanceHeaders...) {
		if old.Has(key) {
			fields = append(fields, field{key, old.Get(key)})
		}
	}
	fields = append(fields,
		field{"From", c.opts.From},
		field{"To", strings.Join(recipients.List(), ", ")},
	)

	// textproto.Header writes the most recently added field first.
	var h message.Header
	for i := len(fields) - 1; i >= 0; i-- {
		h.Add(fields[i].key, fields[i].value)
	}
	msg.Header = h
}

// RecipientSet is a de-duplicated list of addresses that keeps the order in
// which addresses were first seen. Addresses differing only in case are the
// same recipient.
type RecipientSet struct {
	addrs []string
	seen  map[string]struct{}
}

// Add inserts addresses not already present.
func (s *RecipientSet) Add(addrs ...string) {
	for _, addr := range addrs {
		key := strings.ToLower(addr)
		if _, ok := s.seen[key]; ok {
			continue
		}
		if s.seen == nil {
			s.seen = make(map[string]struct{})
		}
		s.seen[key] = struct{}{}
		s.addrs = append(s.addrs, addr)
	}
}

// Len returns the number of recipients.
func (s RecipientSet) Len() int {
	return len(s.addrs)
}

// List returns the recipients in first-seen order.
func (s RecipientSet) List() []string {
	return append([]string(nil), s.addrs...)
}

// Contains reports whether addr is in the set.
func (s RecipientSet) Contains(addr string) bool {
	_, ok := s.seen[strings.ToLower(addr)]
	return ok
}
