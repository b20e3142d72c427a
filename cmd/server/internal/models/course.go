package models

import (
	"context"
	"time"

	"github.com/alexedwards/argon2id"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Tokens and QueryTokens hold argon2id hashes, never the raw token
type Course struct {
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ID          string   `gorm:"primaryKey"`
	Tokens      []string `gorm:"type:jsonb;serializer:json"`
	QueryTokens []string `gorm:"type:jsonb;serializer:json"`
}

func (Course) TableName() string {
	return "courses"
}

// Raw tokens of one course as read from the course config file
type CourseTokens struct {
	Tokens      []string
	QueryTokens []string
}

// Hashes the raw tokens of a course
func NewCourse(ctx context.Context, id string, raw CourseTokens) (*Course, error) {
	_, span := tracer.Start(ctx, "NewCourse")
	defer span.End()

	span.SetAttributes(attribute.String("course.id", id))

	tokens, err := hashAll(raw.Tokens)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to hash course tokens")
		return nil, err
	}

	queryTokens, err := hashAll(raw.QueryTokens)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to hash course query tokens")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "hashed course tokens")
	return &Course{ID: id, Tokens: tokens, QueryTokens: queryTokens}, nil
}

func hashAll(raw []string) ([]string, error) {
	hashes := make([]string, 0, len(raw))
	for _, token := range raw {
		hash, err := argon2id.CreateHash(token, argon2id.DefaultParams)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}

	return hashes, nil
}

// Reports whether token matches one of the course's tokens.
// Query tokens are only considered when allowQuery is set.
func (c *Course) CheckToken(ctx context.Context, token string, allowQuery bool) (bool, error) {
	_, span := tracer.Start(ctx, "Course.CheckToken")
	defer span.End()

	span.SetAttributes(
		attribute.String("course.id", c.ID),
		attribute.Bool("allowQuery", allowQuery),
	)

	hashes := c.Tokens
	if allowQuery {
		hashes = append(append([]string{}, c.Tokens...), c.QueryTokens...)
	}

	for _, hash := range hashes {
		match, err := argon2id.ComparePasswordAndHash(token, hash)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to compare token")
			return false, err
		}
		if match {
			span.AddEvent("token matched")
			span.SetStatus(codes.Ok, "token matched")
			return true, nil
		}
	}

	span.AddEvent("no token matched")
	span.SetStatus(codes.Ok, "no token matched")
	return false, nil
}
