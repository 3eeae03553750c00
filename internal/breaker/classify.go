package breaker

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/smithy-go"
	"github.com/pkg/sftp"

	"github.com/paneflow/paneflow/internal/transport"
)

// Kind is the retry class of a transport failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindRateLimited
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the runner may retry an item automatically.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindRateLimited
}

// SFTP status codes (draft-ietf-secsh-filexfer-02).
const (
	sftpNoSuchFile       = 2
	sftpPermissionDenied = 3
	sftpFailure          = 4
	sftpNoConnection     = 6
	sftpConnectionLost   = 7
	sftpOpUnsupported    = 8
)

// Classify buckets err. Typed errors are checked first; the message text is
// only consulted when nothing in the chain carries a category or code.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if cat, ok := transport.CategoryOf(err); ok && cat != transport.CategoryUnknown {
		return fromCategory(cat)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}

	if k, ok := classifyCoded(err); ok {
		return k
	}

	return classifyMessage(err.Error())
}

func fromCategory(cat transport.Category) Kind {
	switch cat {
	case transport.CategoryNotConnected, transport.CategoryConnectionFailed,
		transport.CategoryTimeout, transport.CategoryNetwork:
		return KindNetwork
	case transport.CategoryRateLimited, transport.CategoryServerError:
		return KindRateLimited
	case transport.CategoryAuthenticationFailed, transport.CategoryPermissionDenied,
		transport.CategoryQuotaExceeded, transport.CategoryInvalidPath,
		transport.CategoryNotFound, transport.CategoryUnsupported,
		transport.CategoryAlreadyExists:
		return KindFatal
	}
	return KindUnknown
}

type httpStatus interface {
	HTTPStatusCode() int
}

func classifyCoded(err error) (Kind, bool) {
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return fromHTTPStatus(re.StatusCode, re.ErrorCode)
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded",
			"TooManyRequestsException", "ServiceUnavailable", "InternalError":
			return KindRateLimited, true
		case "RequestTimeout", "RequestTimeoutException":
			return KindNetwork, true
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"ExpiredToken", "NoSuchBucket", "NoSuchKey", "NotFound", "QuotaExceeded":
			return KindFatal, true
		}
	}

	var hs httpStatus
	if errors.As(err, &hs) {
		return fromHTTPStatus(hs.HTTPStatusCode(), "")
	}

	var fe *textproto.Error
	if errors.As(err, &fe) {
		switch {
		case fe.Code == 421 || fe.Code == 425 || fe.Code == 426:
			return KindNetwork, true
		case fe.Code >= 450 && fe.Code <= 452:
			return KindRateLimited, true
		case fe.Code >= 500:
			return KindFatal, true
		}
	}

	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case sftpNoConnection, sftpConnectionLost:
			return KindNetwork, true
		case sftpNoSuchFile, sftpPermissionDenied, sftpOpUnsupported:
			return KindFatal, true
		case sftpFailure:
			return KindUnknown, true
		}
	}

	return KindUnknown, false
}

func fromHTTPStatus(status int, code string) (Kind, bool) {
	switch {
	case status == 0:
		return KindUnknown, false
	case status == 429, status == 503, code == "ServerBusy":
		return KindRateLimited, true
	case status == 408, status == 504:
		return KindNetwork, true
	case status >= 500:
		return KindRateLimited, true
	case status >= 400:
		return KindFatal, true
	}
	return KindUnknown, false
}

var (
	fatalIndicators = []string{
		"unauthorized", "authentication failed", "authenticationfailed",
		"invalid token", "expiredtoken", "invalid sas", "signature not valid",
		"permission denied", "access denied", "login incorrect",
		"quota exceeded", "disk quota", "no space left on device",
	}
	rateIndicators = []string{
		"429", "too many requests", "slowdown", "slow down", "throttl",
		"server busy", "serverbusy", "rate limit", "service unavailable",
	}
	networkIndicators = []string{
		"connection", "timeout", "network", "eof", "broken pipe",
		"tls handshake", "no route to host",
	}
)

func classifyMessage(msg string) Kind {
	s := strings.ToLower(msg)
	for _, ind := range fatalIndicators {
		if strings.Contains(s, ind) {
			return KindFatal
		}
	}
	for _, ind := range rateIndicators {
		if strings.Contains(s, ind) {
			return KindRateLimited
		}
	}
	for _, ind := range networkIndicators {
		if strings.Contains(s, ind) {
			return KindNetwork
		}
	}
	return KindUnknown
}
