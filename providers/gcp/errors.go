package gcp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// OperationError is a long-running operation that finished with an error.
type OperationError struct {
	Operation string
	Code      codes.Code
	Message   string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed: %s: %s", e.Operation, e.Code, e.Message)
}

// GRPCStatus lets status.Code classify operation failures like call failures.
func (e *OperationError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

func newOperationError(op string, code int64, message string) *OperationError {
	return &OperationError{Operation: op, Code: codes.Code(code), Message: message}
}

// Cloud SQL reports operation errors with string codes such as
// INSTANCE_ALREADY_EXISTS.
func newSQLOperationError(op, code, message string) *OperationError {
	c := codes.Unknown
	switch {
	case strings.Contains(code, "ALREADY_EXISTS"):
		c = codes.AlreadyExists
	case strings.Contains(code, "NOT_FOUND") || strings.Contains(code, "DOES_NOT_EXIST"):
		c = codes.NotFound
	}
	if message == "" {
		message = code
	}
	return &OperationError{Operation: op, Code: c, Message: message}
}

func httpCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return httpCode(err) == http.StatusNotFound || status.Code(err) == codes.NotFound
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	return httpCode(err) == http.StatusConflict || status.Code(err) == codes.AlreadyExists
}

// isPolicyRetryable matches a concurrent policy edit or a principal that
// IAM has not propagated yet.
func isPolicyRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Aborted:
		return true
	case codes.InvalidArgument, codes.FailedPrecondition:
		return strings.Contains(err.Error(), "does not exist")
	}
	return httpCode(err) == http.StatusConflict
}

// isTransient matches rate limiting and server-side failures that are worth
// asking again.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if code := httpCode(err); code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	}
	return false
}

// createdEarlier reports an already-exists answer to a repeated create: the
// earlier attempt reached the cloud and made the resource.
func createdEarlier(req *pb.ApplyRequest, err error) bool {
	return req.Retrying && isAlreadyExists(err)
}

// conflict converts an already-exists failure on create into a ConflictError
// that keeps the cloud error verbatim.
func conflict(req *pb.ApplyRequest, id string, err error) error {
	if isAlreadyExists(err) {
		return &pb.ConflictError{Type: req.Type, Name: req.Name, ID: id, Err: err}
	}
	return err
}

// ignoreNotFound lets deletes of resources that are already gone succeed.
func ignoreNotFound(err error) error {
	if isNotFound(err) {
		return nil
	}
	return err
}
