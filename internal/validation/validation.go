// Package validation checks the identifiers and free text loyalty hosts
// send to the antifraud API.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize bounds request bodies.
const MaxRequestSize = 1 << 20

// MaxIdentifierLength bounds merchant, customer and transaction ids.
const MaxIdentifierLength = 128

// identifierPattern admits uuids, numeric ids, prefixed keys like "ord-7"
// or "c:42", and emails.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@+-]*$`)

// IsIdentifier reports whether id is a well-formed identifier.
func IsIdentifier(id string) bool {
	return len(id) <= MaxIdentifierLength && identifierPattern.MatchString(id)
}

// Clean trims s, drops control characters and cuts it to at most maxRunes
// runes.
func Clean(s string, maxRunes int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes])
}

// FieldError is one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects the rejected fields of a request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	msg := e[0].Field + ": " + e[0].Message
	if len(e) > 1 {
		msg += " (and " + strconv.Itoa(len(e)-1) + " more)"
	}
	return msg
}

// Rule checks one field, returning nil when it passes.
type Rule func() *FieldError

// Check runs every rule and returns the failures, nil when all pass.
func Check(rules ...Rule) Errors {
	var errs Errors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Required rejects blank values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Identifier rejects malformed ids. Empty values pass; combine with
// Required for mandatory fields.
func Identifier(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsIdentifier(value) {
			return &FieldError{Field: field, Message: "must be an identifier of at most " + strconv.Itoa(MaxIdentifierLength) + " characters"}
		}
		return nil
	}
}

// MaxLength rejects values longer than max runes.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return &FieldError{Field: field, Message: "must be at most " + strconv.Itoa(max) + " characters"}
		}
		return nil
	}
}

// LimitBody caps request bodies at max bytes. Declared oversized bodies
// are refused up front with 413; others fail when the handler reads past
// the cap.
func LimitBody(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "request body exceeds " + strconv.FormatInt(max, 10) + " bytes",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// PathIdentifier rejects requests whose named path parameter is not a
// well-formed identifier.
func PathIdentifier(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(param); id != "" && !IsIdentifier(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + strings.ToLower(param),
				"message": param + " must be an identifier of at most " + strconv.Itoa(MaxIdentifierLength) + " characters",
			})
			return
		}
		c.Next()
	}
}
