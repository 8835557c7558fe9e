// Package classify maps errors raised by the object store, the report store,
// the local filesystem and the network into retry decisions.
//
// Classification fails closed: anything not recognized as transient is
// permanent, so an unrecoverable error is never retried forever.
package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"reportsync/internal/model"
	"reportsync/internal/netcheck"
	"reportsync/internal/objstore"
)

// ErrCorruptSource marks a local file that could not be read or encoded.
var ErrCorruptSource = errors.New("corrupt source file")

type Decision int

const (
	Permanent Decision = iota
	Transient
)

func (d Decision) String() string {
	if d == Transient {
		return "transient"
	}
	return "permanent"
}

type Kind int

const (
	PermanentUnclassified Kind = iota
	TransientNetwork
	TransientServiceBusy
	PermanentAuth
	PermanentMalformedTask
	CorruptSourceFile
)

var kindNames = map[Kind]string{
	PermanentUnclassified:  "permanent_unclassified",
	TransientNetwork:       "transient_network",
	TransientServiceBusy:   "transient_service_busy",
	PermanentAuth:          "permanent_auth",
	PermanentMalformedTask: "permanent_malformed_task",
	CorruptSourceFile:      "corrupt_source_file",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) Decision() Decision {
	switch k {
	case TransientNetwork, TransientServiceBusy:
		return Transient
	default:
		return Permanent
	}
}

// Decide is shorthand for Classify(err).Decision().
func Decide(err error) Decision {
	return Classify(err).Decision()
}

func IsTransient(err error) bool {
	return Decide(err) == Transient
}

// Classify never panics; a nil error is PermanentUnclassified.
func Classify(err error) (kind Kind) {
	if err == nil {
		return PermanentUnclassified
	}
	defer func() {
		if recover() != nil {
			kind = PermanentUnclassified
		}
	}()

	switch {
	case errors.Is(err, model.ErrMalformedTask):
		return PermanentMalformedTask
	case errors.Is(err, ErrCorruptSource):
		return CorruptSourceFile
	case errors.Is(err, objstore.ErrUnauthorized):
		return PermanentAuth
	case errors.Is(err, objstore.ErrRetryLimitExceeded):
		return TransientServiceBusy
	case errors.Is(err, netcheck.ErrOffline):
		return TransientNetwork
	case errors.Is(err, context.Canceled):
		return PermanentUnclassified
	}

	var maxAttempts *retry.MaxAttemptsError
	if errors.As(err, &maxAttempts) {
		return TransientServiceBusy
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return fromHTTPStatus(gErr.Code)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fromSQLState(pgErr.Code)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if k, ok := fromS3Code(apiErr.ErrorCode()); ok {
			return k
		}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		return fromGRPCCode(st.Code())
	}

	if isNetwork(err) {
		return TransientNetwork
	}
	return PermanentUnclassified
}

func fromHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return TransientServiceBusy
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return PermanentAuth
	case code == http.StatusBadRequest:
		return PermanentMalformedTask
	}
	return PermanentUnclassified
}

func fromGRPCCode(c codes.Code) Kind {
	switch c {
	case codes.Unavailable, codes.Aborted, codes.DeadlineExceeded, codes.ResourceExhausted:
		return TransientServiceBusy
	case codes.Unauthenticated, codes.PermissionDenied:
		return PermanentAuth
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
		return PermanentMalformedTask
	}
	return PermanentUnclassified
}

func fromS3Code(code string) (Kind, bool) {
	switch code {
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout", "RequestTimeTooSkewed", "Throttling", "ThrottlingException":
		return TransientServiceBusy, true
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return PermanentAuth, true
	case "InvalidArgument", "InvalidRequest", "NoSuchBucket", "InvalidBucketName", "KeyTooLongError":
		return PermanentMalformedTask, true
	}
	return 0, false
}

func fromSQLState(code string) Kind {
	switch {
	case code == "40001", code == "40P01", code == "57P03", code == "53300", strings.HasPrefix(code, "08"):
		return TransientServiceBusy
	case code == "28000", code == "28P01", code == "42501":
		return PermanentAuth
	}
	return PermanentUnclassified
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.ENETUNREACH,
		syscall.ENETDOWN,
		syscall.EHOSTUNREACH,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
