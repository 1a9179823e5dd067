package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// DefaultTransientPatterns match tool output that indicates a retryable failure.
var DefaultTransientPatterns = []string{
	`(?i)throttl`,
	`(?i)rate exceeded`,
	`(?i)rate ?limit`,
	`(?i)too many requests`,
	`(?i)request ?limit ?exceeded`,
	`(?i)reduce your request rate`,
	`\bSlowDown\b`,
	`(?i)connection reset`,
	`(?i)connection refused`,
	`(?i)i/o timeout`,
	`(?i)tls handshake timeout`,
	`(?i)timeout while waiting`,
	`(?i)\btimed? ?out\b`,
	`(?i)temporary failure in name resolution`,
	`(?i)temporarily unavailable`,
	`(?i)try again later`,
	`(?i)service ?unavailable`,
	`(?i)internal ?server ?error`,
	`(?i)bad gateway`,
	`(?i)gateway ?time-?out`,
	`(?i)error acquiring the state lock`,
	`(?i)ConditionalCheckFailedException`,
	`(?i)RequestError: send request failed`,
	// A bare 50x only counts next to a status or error marker.
	`(?i)status(?: ?code)?:? ?50[234]\b`,
	`(?i)\b(?:error|http(?:/[0-9.]+)?):? ?50[234]\b`,
}

// Classifier maps tool failures to error classes.
type Classifier struct {
	transient []*regexp.Regexp
}

// NewClassifier compiles the transient patterns. Nil selects DefaultTransientPatterns.
func NewClassifier(patterns []string) (*Classifier, error) {
	if patterns == nil {
		patterns = DefaultTransientPatterns
	}
	c := &Classifier{transient: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, NewPermanentError("invalid transient pattern "+p, err).WithCode(ErrCodeValidation)
		}
		c.transient = append(c.transient, re)
	}
	return c, nil
}

// Classify returns the class of a failed attempt from its output and error.
// Deadline expiry is always permanent.
func (c *Classifier) Classify(output string, err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassPermanent
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Class
	}
	text := output
	if err != nil {
		text = strings.Join([]string{output, err.Error()}, "\n")
	}
	for _, re := range c.transient {
		if re.MatchString(text) {
			return ErrorClassTransient
		}
	}
	return ErrorClassPermanent
}
