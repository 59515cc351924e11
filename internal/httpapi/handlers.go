package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/casamonarca/pdfsigner/keys"
	"github.com/casamonarca/pdfsigner/keystore"
	"github.com/casamonarca/pdfsigner/sign/signers"
)

type issueRequest struct {
	CommonName   string `json:"common_name"`
	Email        string `json:"email"`
	ValidityDays int    `json:"validity_days"`
}

type issueResponse struct {
	Certificate     keys.CertificateInfo `json:"certificate_info"`
	CertificatePEM  string               `json:"certificate_pem_base64"`
	KeystoreOutcome string               `json:"keystore"`
}

func (s *Server) issueIdentity(w http.ResponseWriter, r *http.Request) {
	if s.keystore == nil || s.issuer == nil {
		writeDomainError(w, errKeystoreUnavailable)
		return
	}
	var req issueRequest
	if !readJSON(w, r, maxJSONBytes, &req) {
		return
	}
	id, err := s.issuer.Issue(r.Context(), keys.IssueRequest{
		CommonName:   req.CommonName,
		Email:        req.Email,
		ValidityDays: req.ValidityDays,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := s.keystore.Put(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueResponse{
		Certificate:     id.Info(),
		CertificatePEM:  keys.EncodeCertificate(id.Certificate),
		KeystoreOutcome: res.String(),
	})
}

func (s *Server) listIdentities(w http.ResponseWriter, _ *http.Request) {
	if s.keystore == nil {
		writeDomainError(w, errKeystoreUnavailable)
		return
	}
	list, err := s.keystore.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []keys.CertificateInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": list})
}

func (s *Server) putDocument(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "document exceeds "+strconv.FormatInt(s.maxBody, 10)+" bytes")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	st, err := s.svc.Put(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.Document(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(doc)))
	_, _ = w.Write(doc)
}

func (s *Server) documentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) setMaxSigners(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxSigners int `json:"max_signers"`
	}
	if !readJSON(w, r, maxJSONBytes, &req) {
		return
	}
	st, err := s.svc.SetMaxSigners(r.Context(), chi.URLParam(r, "id"), req.MaxSigners)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type signRequest struct {
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason"`
	Location    string `json:"location"`
}

func (s *Server) signDocument(w http.ResponseWriter, r *http.Request) {
	if s.keystore == nil {
		writeDomainError(w, errKeystoreUnavailable)
		return
	}
	var req signRequest
	if !readJSON(w, r, maxJSONBytes, &req) {
		return
	}
	id, err := s.keystore.Load(req.Fingerprint)
	if errors.Is(err, keystore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "identity_not_found", err.Error())
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := s.svc.Sign(r.Context(), chi.URLParam(r, "id"), id, signers.Metadata{Reason: req.Reason, Location: req.Location})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) verifyDocument(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"all_intact": rep.AllIntact(),
		"report":     rep,
	})
}
