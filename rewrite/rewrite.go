package rewrite

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/remailer/macro"
)

const (
	// TruncateMarker cuts a part short: it and everything after it are
	// dropped before any tag is read.
	TruncateMarker = "${message-ends}"

	// RemailTag names the directive that carries a recipient address.
	RemailTag = "remail-to"
)

// ErrUnresolved is returned when a redirector URL has no destination.
var ErrUnresolved = errors.New("redirector url did not resolve")

// Resolver looks up where a redirector URL points to. An empty destination
// with a nil error means the URL did not redirect.
type Resolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// Options toggles the optional stages of the part pipeline.
type Options struct {
	RemapLinks        bool
	RedirectorPattern string

	SuppressTrackingPixels bool
	TrackingPixelPattern   string

	DeleteHTMLParts bool
}

// Result is the outcome of processing one leaf.
type Result struct {
	Text       string
	Recipients []string
	// Remove asks the caller to drop the leaf from its parent.
	Remove bool
}

// Processor rewrites the text of single message parts.
type Processor struct {
	opts       Options
	resolver   Resolver
	redirector *regexp.Regexp
	tracking   *regexp.Regexp
}

// New compiles the configured URL patterns. A resolver is required only when
// link remapping is enabled.
func New(opts Options, resolver Resolver) (*Processor, error) {
	p := &Processor{opts: opts, resolver: resolver}

	if opts.RemapLinks {
		if resolver == nil {
			return nil, fmt.Errorf("link remapping needs a redirect resolver")
		}
		re, err := compilePattern(opts.RedirectorPattern)
		if err != nil {
			return nil, fmt.Errorf("compile redirector pattern: %w", err)
		}
		p.redirector = re
	}

	if opts.SuppressTrackingPixels {
		re, err := compilePattern(opts.TrackingPixelPattern)
		if err != nil {
			return nil, fmt.Errorf("compile tracking pixel pattern: %w", err)
		}
		p.tracking = re
	}

	return p, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("pattern is empty")
	}
	return regexp.Compile(pattern)
}

// ProcessPart runs the pipeline over the decoded text of one leaf whose
// content subtype is subtype.
func (p *Processor) ProcessPart(ctx context.Context, text, subtype string) (Result, error) {
	if p.opts.DeleteHTMLParts && strings.EqualFold(subtype, "html") {
		return Result{Remove: true}, nil
	}
	return p.Rewrite(ctx, text)
}

// Rewrite applies truncation, recipient extraction and the enabled URL
// stages to text regardless of its content type.
func (p *Processor) Rewrite(ctx context.Context, text string) (Result, error) {
	text = Truncate(text)
	text, recipients := ExtractRecipients(text)

	if p.redirector != nil {
		var err error
		text, err = p.remapLinks(ctx, text)
		if err != nil {
			return Result{}, err
		}
	}

	if p.tracking != nil {
		text = p.tracking.ReplaceAllLiteralString(text, "")
	}

	return Result{Text: text, Recipients: recipients}, nil
}

// Truncate drops everything from the first TruncateMarker on.
func Truncate(text string) string {
	if idx := strings.Index(text, TruncateMarker); idx >= 0 {
		return text[:idx]
	}
	return text
}

// ExtractRecipients removes every directive from text and returns the valid
// addresses of its remail-to tags. Other tags and invalid values are dropped.
func ExtractRecipients(text string) (string, []string) {
	text, tags := macro.ExtractTags(text)

	var recipients []string
	for _, tag := range tags {
		if tag.Name != RemailTag {
			continue
		}
		if addr, ok := ValidateAddress(tag.Value); ok {
			recipients = append(recipients, addr)
		}
	}
	return text, recipients
}

// remapLinks replaces each redirector URL with its destination. Every URL is
// resolved once; the destinations are not scanned again.
func (p *Processor) remapLinks(ctx context.Context, text string) (string, error) {
	matches := p.redirector.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	resolved := make(map[string]string, len(matches))
	for i := len(matches) - 1; i >= 0; i-- {
		start, end := matches[i][0], matches[i][1]
		url := text[start:end]

		dest, ok := resolved[url]
		if !ok {
			var err error
			dest, err = p.resolver.Resolve(ctx, url)
			if err != nil {
				return "", fmt.Errorf("resolve %s: %w", url, err)
			}
			if dest == "" {
				return "", fmt.Errorf("%w: %s", ErrUnresolved, url)
			}
			resolved[url] = dest
		}

		text = macro.Substitute(text, start, end, dest)
	}
	return text, nil
}
