package component

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/i474232898/digitaltwin-dataspace/internal/index"
)

var (
	// ErrProvider wraps failures reported by a producer's Collect.
	ErrProvider = errors.New("provider error")
	// ErrInvalidConfiguration is returned for unusable configurations or cadences.
	ErrInvalidConfiguration = errors.New("invalid component configuration")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("dataset", func(fl validator.FieldLevel) bool {
		return index.ValidDataset(fl.Field().String())
	})
	return v
}

// Configuration identifies a dataset. Name is both the index table name and
// the blob key prefix.
type Configuration struct {
	Name        string   `json:"name" validate:"required,dataset"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
	ContentType string   `json:"content_type" validate:"required"`
}

func (c Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, c.Name, err)
	}
	return nil
}

// Producer fetches raw bytes from an external source on a fixed cadence.
type Producer interface {
	Schedule() string
	Configuration() Configuration
	Collect(ctx context.Context) Result
}

// Outcome tags a Result.
type Outcome int

const (
	OutcomeEmpty Outcome = iota
	OutcomeData
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeData:
		return "data"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what one Collect call produced.
type Result struct {
	Outcome Outcome
	Data    []byte
	Err     error
}

// Data returns a data result, or an empty one when b has no bytes.
func Data(b []byte) Result {
	if len(b) == 0 {
		return Empty()
	}
	return Result{Outcome: OutcomeData, Data: b}
}

// Empty means the provider had nothing new this cycle.
func Empty() Result {
	return Result{Outcome: OutcomeEmpty}
}

// Failed wraps err with ErrProvider.
func Failed(err error) Result {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	if !errors.Is(err, ErrProvider) {
		err = fmt.Errorf("%w: %w", ErrProvider, err)
	}
	return Result{Outcome: OutcomeFailed, Err: err}
}

var cadencePattern = regexp.MustCompile(`^([0-9]+)([smh])$`)

// ParseCadence parses an integer followed by s, m or h, e.g. "30s", "1h".
func ParseCadence(s string) (time.Duration, error) {
	m := cadencePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: cadence %q must be an integer followed by s, m or h", ErrInvalidConfiguration, s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: cadence %q must be positive", ErrInvalidConfiguration, s)
	}
	unit := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour}[m[2]]
	if int64(n) > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: cadence %q is too long", ErrInvalidConfiguration, s)
	}
	return time.Duration(n) * unit, nil
}
