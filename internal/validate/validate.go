// Package validate implements the data-quality gate applied to every candidate
// before it may enter the moderation queue.
package validate

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

// Field limits enforced by the validator.
const (
	MinExternalIDLen = 8
	MaxExternalIDLen = 13
	MaxBrandLen      = 100
	MaxNameLen       = 255
	MaxAdditivesLen  = 1000
	MaxNutrientSum   = 100.0
)

var (
	digitsOnly  = regexp.MustCompile(`^[0-9]+$`)
	absoluteURL = regexp.MustCompile(`^https?://[^\s/$.?#][^\s]*$`)
)

// Result carries the decision plus every violated rule.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validator is a stateless rule engine.
type Validator struct{}

// New returns a Validator.
func New() *Validator {
	return &Validator{}
}

// Validate applies all rules independently and collects every violation.
func (v *Validator) Validate(c crawler.CandidateProduct) Result {
	var errs []string
	errs = append(errs, checkExternalID(c.ExternalID)...)
	errs = append(errs, checkText("brand", c.Brand, MaxBrandLen)...)
	errs = append(errs, checkText("name", c.Name, MaxNameLen)...)
	errs = append(errs, checkNutrients(c)...)
	errs = append(errs, checkOptional(c)...)
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func checkExternalID(id string) []string {
	if id == "" {
		return []string{"externalId is required"}
	}
	var errs []string
	if !digitsOnly.MatchString(id) {
		errs = append(errs, "externalId must contain digits only")
	}
	if len(id) < MinExternalIDLen || len(id) > MaxExternalIDLen {
		errs = append(errs, fmt.Sprintf("externalId length must be %d-%d, got %d",
			MinExternalIDLen, MaxExternalIDLen, len(id)))
	}
	if len(id) == 13 && digitsOnly.MatchString(id) && !ValidEAN13(id) {
		errs = append(errs, "externalId fails EAN-13 checksum")
	}
	return errs
}

func checkText(field, value string, limit int) []string {
	if strings.TrimSpace(value) == "" {
		return []string{field + " is required"}
	}
	if utf8.RuneCountInString(value) > limit {
		return []string{fmt.Sprintf("%s exceeds %d characters", field, limit)}
	}
	return nil
}

func checkNutrients(c crawler.CandidateProduct) []string {
	nutrients := []struct {
		name  string
		value float64
	}{
		{"protein", c.Protein},
		{"fat", c.Fat},
		{"crudeFiber", c.CrudeFiber},
		{"ash", c.Ash},
		{"moisture", c.Moisture},
	}
	var errs []string
	finite := true
	for _, n := range nutrients {
		if math.IsNaN(n.value) || math.IsInf(n.value, 0) {
			errs = append(errs, n.name+" must be numeric")
			finite = false
			continue
		}
		if n.value < 0 || n.value > 100 {
			errs = append(errs, fmt.Sprintf("%s must be within [0,100], got %g", n.name, n.value))
		}
	}
	if finite {
		if sum := c.NutrientSum(); sum > MaxNutrientSum {
			errs = append(errs, fmt.Sprintf("nutrient sum exceeds 100%% (got %g)", sum))
		}
	}
	return errs
}

func checkOptional(c crawler.CandidateProduct) []string {
	var errs []string
	if c.Additives != "" && utf8.RuneCountInString(c.Additives) > MaxAdditivesLen {
		errs = append(errs, fmt.Sprintf("additives exceeds %d characters", MaxAdditivesLen))
	}
	if c.ImageURL != "" && !absoluteURL.MatchString(c.ImageURL) {
		errs = append(errs, "imageUrl must be an absolute http(s) URL")
	}
	return errs
}
