package markdown

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"bilbo/internal/apperr"
	"bilbo/internal/models"
)

var validate = validator.New()

// Fingerprint returns the lowercase hex SHA-256 digest of raw
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ParseDocument splits raw into its YAML front matter and markdown body,
// validates the front matter and fingerprints the raw bytes.
// source is only used to label validation errors.
func ParseDocument(source string, raw []byte) (*models.BookDocument, error) {
	header, body, ok := splitFrontMatter(string(raw))
	if !ok {
		return nil, apperr.NewValidationError(source, "missing YAML front matter")
	}

	var fm models.FrontMatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, apperr.NewValidationError(source, "invalid front matter: %v", err)
	}

	fm.Reference = strings.TrimSpace(fm.Reference)
	fm.Title = strings.TrimSpace(fm.Title)
	if err := validate.Struct(&fm); err != nil {
		return nil, validationIssues(source, err)
	}

	return &models.BookDocument{
		FrontMatter: fm,
		Body:        strings.TrimSpace(body),
		Fingerprint: Fingerprint(raw),
	}, nil
}

// splitFrontMatter expects the document to start with a "---" line and the
// header to end at the next "---" line.
func splitFrontMatter(doc string) (header, body string, ok bool) {
	doc = strings.TrimPrefix(doc, "\ufeff")
	doc = strings.ReplaceAll(doc, "\r\n", "\n")
	if !strings.HasPrefix(doc, "---\n") {
		return "", "", false
	}
	rest := doc[4:]

	// empty header
	if strings.HasPrefix(rest, "---\n") || rest == "---" {
		return "", strings.TrimPrefix(strings.TrimPrefix(rest, "---"), "\n"), true
	}

	end := strings.Index(rest, "\n---\n")
	if end == -1 {
		if strings.HasSuffix(rest, "\n---") {
			return rest[:len(rest)-4], "", true
		}
		return "", "", false
	}
	return rest[:end], rest[end+5:], true
}

func validationIssues(source string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.NewValidationError(source, "%v", err)
	}
	ve := &apperr.ValidationError{Source: source}
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			ve.Issues = append(ve.Issues, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "url":
			ve.Issues = append(ve.Issues, fmt.Sprintf("%s: %q is not a valid url", fe.Namespace(), fe.Value()))
		default:
			ve.Issues = append(ve.Issues, fe.Error())
		}
	}
	return ve
}
