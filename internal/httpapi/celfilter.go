package httpapi

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/agentworkforce/planrelay/internal/staging"
)

// submissionFilter wraps a compiled CEL program evaluated per submission on
// dashboard lists. When disabled, Match always returns true.
//
// Example: status == "Failed" && retryCount >= 2 && submitterEmail.endsWith("@example.com")
type submissionFilter struct {
	prog    cel.Program
	enabled bool
}

func newSubmissionFilter(expr string) (submissionFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return submissionFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("status", cel.StringType),
		cel.Variable("referenceId", cel.StringType),
		cel.Variable("submitterEmail", cel.StringType),
		cel.Variable("submitterName", cel.StringType),
		cel.Variable("relatedRecordId", cel.StringType),
		cel.Variable("lastError", cel.StringType),
		cel.Variable("retryCount", cel.IntType),
		cel.Variable("syncAttempts", cel.IntType),
		cel.Variable("taskCount", cel.IntType),
		cel.Variable("escalated", cel.BoolType),
		cel.Variable("createdAt", cel.TimestampType),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return submissionFilter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return submissionFilter{}, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return submissionFilter{}, errFilterNotBool
	}
	prog, err := env.Program(ast)
	if err != nil {
		return submissionFilter{}, err
	}
	return submissionFilter{prog: prog, enabled: true}, nil
}

// Match evaluates the expression against sub. Evaluation errors count as a
// miss.
func (f submissionFilter) Match(sub staging.Submission, now time.Time) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"status":          string(sub.Status),
		"referenceId":     sub.ReferenceID,
		"submitterEmail":  sub.SubmitterEmail,
		"submitterName":   sub.SubmitterName,
		"relatedRecordId": sub.RelatedRecordID,
		"lastError":       sub.LastError,
		"retryCount":      int64(sub.RetryCount),
		"syncAttempts":    int64(sub.SyncAttempts),
		"taskCount":       int64(sub.TaskCount),
		"escalated":       sub.EscalatedAt != nil,
		"createdAt":       sub.CreatedAt,
		"now":             now,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
