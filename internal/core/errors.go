package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrPrinterNotFound = errors.New("printer not found")
	ErrPrinterBusy     = errors.New("printer has a job in progress")
	ErrQueueStopped    = errors.New("queue is not running")
	ErrJobActive       = errors.New("job has not finished")
	ErrJobInUse        = errors.New("job is a dependency of an unfinished job")
)

const (
	CodeCompileFailed      = "COMPILE_FAILED"
	CodeTransmitFailed     = "TRANSMIT_FAILED"
	CodePrinterUnreachable = "PRINTER_UNREACHABLE"
	CodeNetworkTimeout     = "NETWORK_TIMEOUT"
	CodePrinterBusy        = "PRINTER_BUSY"
	CodeTemporaryFile      = "TEMPORARY_FILE_ERROR"
	CodeJobTimeout         = "JOB_TIMEOUT"
	CodeUserCancelled      = "USER_CANCELLED"
	CodeSystemShutdown     = "SYSTEM_SHUTDOWN"
	CodeDependencyFailed   = "DEPENDENCY_FAILED"
)

// ValidationError rejects a submission before any state is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CodedError lets compilers and transports report a failure code directly.
type CodedError struct {
	Code        string
	Message     string
	Recoverable bool
	Err         error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Err }

var transientSignatures = []struct {
	code    string
	needles []string
}{
	{CodeNetworkTimeout, []string{"network_timeout", "i/o timeout", "timed out", "timeout"}},
	{CodePrinterBusy, []string{"printer_busy", "device busy", "resource busy"}},
	{CodeTemporaryFile, []string{"temporary_file_error", "temporary file", "text file busy"}},
}

var suggestions = map[string]string{
	CodeNetworkTimeout:     "Check the printer's network connection",
	CodePrinterBusy:        "Wait for the printer to finish its current work",
	CodeTemporaryFile:      "Retry the job",
	CodeJobTimeout:         "Reduce the job size or raise the queue timeout",
	CodeCompileFailed:      "Check the template and label data",
	CodeTransmitFailed:     "Check the printer and retry manually",
	CodePrinterUnreachable: "Check that the printer is powered on and reachable",
	CodeDependencyFailed:   "Retry or resubmit the dependency, then resubmit this job",
}

// ClassifyError turns an execution failure into job error details. Only a
// small set of transient signatures is recoverable.
func ClassifyError(err error, defaultCode string, ts time.Time) *JobError {
	je := &JobError{Code: defaultCode, Message: err.Error(), Timestamp: ts}

	var coded *CodedError
	var netErr net.Error
	switch {
	case errors.As(err, &coded):
		je.Code = coded.Code
		je.Recoverable = coded.Recoverable
	case errors.Is(err, context.DeadlineExceeded):
		je.Code = CodeJobTimeout
		je.Recoverable = true
	case errors.As(err, &netErr) && netErr.Timeout():
		je.Code = CodeNetworkTimeout
		je.Recoverable = true
	default:
		msg := strings.ToLower(err.Error())
	match:
		for _, sig := range transientSignatures {
			for _, n := range sig.needles {
				if strings.Contains(msg, n) {
					je.Code = sig.code
					je.Recoverable = true
					break match
				}
			}
		}
	}

	je.SuggestedAction = suggestions[je.Code]
	return je
}
