package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	CloseNormal          = 1000
	CloseProtocolError   = 1002
	CloseUnsupportedData = 1003
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008

	DefaultMaxReconnectAttempts = 5

	msgUnexpectedClose   = "Connection closed unexpectedly. Please check your network connection and try again."
	msgProtocolError     = "Protocol error. Please refresh the page."
	msgUnsupportedData   = "Invalid data received. Please refresh the page."
	msgPolicyViolation   = "Policy violation. Please check your authentication token."
	msgRejectedByServer  = "Connection rejected by server. Please check your authentication."
	msgReconnectGaveUp   = "Failed to reconnect after multiple attempts. Please refresh the page."
	msgMissingToken      = "No authentication token found. Please login."
	msgSessionExpired    = "Your session has expired. Please login again."
	msgParseFailed       = "Failed to parse message"
	msgNotifMissingToken = "Missing authentication token. Please log in again."
	msgNotifMalformed    = "Received malformed notification payload."
	msgNotifGaveUp       = "Unable to reconnect to notification socket."
)

type CloseKind int

const (
	// CloseKindNormal: no error, no reconnect.
	CloseKindNormal CloseKind = iota
	// CloseKindTransient: first abnormal closure since the last open; retried
	// without telling the user.
	CloseKindTransient
	// CloseKindTerminal: the server rejected the credentials or the policy.
	// Shown to the user and never retried.
	CloseKindTerminal
	// CloseKindAbnormal: shown to the user and retried.
	CloseKindAbnormal
)

func (k CloseKind) String() string {
	switch k {
	case CloseKindNormal:
		return "normal"
	case CloseKindTransient:
		return "transient"
	case CloseKindTerminal:
		return "terminal"
	case CloseKindAbnormal:
		return "abnormal"
	}
	return "unknown"
}

type CloseDecision struct {
	Kind      CloseKind
	Message   string
	Reconnect bool
}

// ClassifyClose decides what a chat socket closure means. attempts is the
// number of reconnects scheduled since the last successful open.
func ClassifyClose(code int, reason string, attempts int, manual bool) CloseDecision {
	reason = strings.TrimSpace(reason)
	if manual || code == CloseNormal {
		return CloseDecision{Kind: CloseKindNormal}
	}
	switch {
	case code == CloseAbnormal && attempts == 0:
		return CloseDecision{Kind: CloseKindTransient, Reconnect: true}
	case code == CloseAbnormal:
		return CloseDecision{Kind: CloseKindAbnormal, Message: msgUnexpectedClose, Reconnect: true}
	case code == ClosePolicyViolation:
		return CloseDecision{Kind: CloseKindTerminal, Message: firstNonEmpty(reason, msgPolicyViolation)}
	case code >= 4000 && code < 5000:
		return CloseDecision{Kind: CloseKindTerminal, Message: firstNonEmpty(reason, msgRejectedByServer)}
	case code == CloseProtocolError:
		return CloseDecision{Kind: CloseKindAbnormal, Message: msgProtocolError, Reconnect: true}
	case code == CloseUnsupportedData:
		return CloseDecision{Kind: CloseKindAbnormal, Message: msgUnsupportedData, Reconnect: true}
	}
	return CloseDecision{
		Kind:      CloseKindAbnormal,
		Message:   fmt.Sprintf("Connection closed with code %d. %s", code, firstNonEmpty(reason, "Please try again.")),
		Reconnect: true,
	}
}

// newReconnectBackoff yields base, 2*base, 4*base, ... capped at max.
func newReconnectBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
