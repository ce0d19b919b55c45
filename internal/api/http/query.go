package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// readQuery holds the query parameters shared by read endpoints.
type readQuery struct {
	Timestamp time.Time `validate:"required"`
	Limit     int       `validate:"gte=0,lte=10000"`
}

type deleteQuery struct {
	URL string `validate:"required"`
}

// bindReadQuery reads ?timestamp= (default now) and ?limit= (0 means the
// repository default).
func bindReadQuery(c *fiber.Ctx, now time.Time) (readQuery, error) {
	q := readQuery{Timestamp: now}

	if s := c.Query("timestamp"); s != "" {
		ts, err := parseTime(s)
		if err != nil {
			return q, err
		}
		q.Timestamp = ts
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, errors.New("limit must be an integer")
		}
		q.Limit = n
	}

	if err := validate.Struct(q); err != nil {
		return q, err
	}
	return q, nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
