package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/internal/schema"
)

type courseEntry struct {
	Tokens      []string `json:"tokens"`
	QueryTokens []string `json:"query_tokens"`
}

// Parses a course config document of {course_id: [token, ...]} or
// {course_id: {tokens: [...], query_tokens: [...]}} into hashed courses
func parseCourses(ctx context.Context, raw []byte) ([]*models.Course, error) {
	if err := schema.Validate(schema.CourseConfig, raw); err != nil {
		return nil, fmt.Errorf("invalid course config: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode course config: %w", err)
	}

	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	courses := make([]*models.Course, 0, len(doc))
	for _, id := range ids {
		var entry courseEntry
		if err := json.Unmarshal(doc[id], &entry.Tokens); err != nil {
			if err = json.Unmarshal(doc[id], &entry); err != nil {
				return nil, fmt.Errorf("failed to decode tokens of course %s: %w", id, err)
			}
		}

		course, err := models.NewCourse(ctx, id, models.CourseTokens{
			Tokens:      entry.Tokens,
			QueryTokens: entry.QueryTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create course %s: %w", id, err)
		}
		courses = append(courses, course)
	}

	return courses, nil
}

func loadCourses(ctx context.Context, path string) ([]*models.Course, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read course config: %w", err)
	}
	return parseCourses(ctx, raw)
}
