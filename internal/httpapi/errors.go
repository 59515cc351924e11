package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/casamonarca/pdfsigner/keys"
	"github.com/casamonarca/pdfsigner/keystore"
	"github.com/casamonarca/pdfsigner/sign/signers"
	"github.com/casamonarca/pdfsigner/sign/validation"
	"github.com/casamonarca/pdfsigner/storage"
)

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

var errKeystoreUnavailable = errors.New("no keystore is configured")

// statusFor maps domain errors to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, signers.ErrSignatureLimitExceeded):
		return http.StatusConflict, "signature_limit_exceeded"
	case errors.Is(err, signers.ErrDuplicateSigner):
		return http.StatusConflict, "duplicate_signer"
	case errors.Is(err, signers.ErrPolicyLocked):
		return http.StatusConflict, "policy_locked"
	case errors.Is(err, signers.ErrCertificateExpired):
		return http.StatusUnprocessableEntity, "certificate_expired"
	case errors.Is(err, signers.ErrUnsuitableKeyUsage):
		return http.StatusUnprocessableEntity, "unsuitable_key_usage"
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, keystore.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, signers.ErrMalformedDocument), errors.Is(err, validation.ErrMalformedDocument):
		return http.StatusBadRequest, "malformed_document"
	case errors.Is(err, storage.ErrInvalidID),
		errors.Is(err, keystore.ErrInvalidFingerprint),
		errors.Is(err, signers.ErrInvalidLimit),
		errors.Is(err, keys.ErrInvalidIssueRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, errKeystoreUnavailable):
		return http.StatusServiceUnavailable, "keystore_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message, RequestID: w.Header().Get(requestIDHeader)})
}

// writeDomainError hides the message of unexpected errors.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

// readJSON decodes a JSON body of at most limit bytes.
func readJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return false
	}
	return true
}
