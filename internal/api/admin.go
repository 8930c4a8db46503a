// ABOUTME: Admin endpoints for assignments, the CA, the audit log and the revocation ledger
// ABOUTME: Query filters are parsed strictly; a malformed value is a validation error

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/store"
)

func (r AssignmentRequest) parse() (store.SubjectType, store.ObjectType, error) {
	st, ot := store.SubjectType(trimmed(r.SubjectType)), store.ObjectType(trimmed(r.ObjectType))
	if trimmed(r.SubjectID) == "" || trimmed(r.ObjectID) == "" {
		return "", "", apperr.New(apperr.KindValidation, "subject_id and object_id are required")
	}
	if err := store.ValidatePair(st, ot); err != nil {
		return "", "", err
	}
	return st, ot, nil
}

func (a *API) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		edges []store.Assignment
		err   error
	)
	switch {
	case q.Get("object_type") != "" && q.Get("object_id") != "":
		edges, err = a.Store.ListAssignments(r.Context(), store.ObjectType(q.Get("object_type")), q.Get("object_id"))
	case q.Get("subject_type") != "" && q.Get("subject_id") != "":
		edges, err = a.Store.ListSubjectAssignments(r.Context(), store.SubjectType(q.Get("subject_type")), q.Get("subject_id"))
	default:
		err = apperr.New(apperr.KindValidation, "filter by object_type and object_id, or by subject_type and subject_id")
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]AssignmentResponse, 0, len(edges))
	for _, e := range edges {
		resp = append(resp, assignmentResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": resp})
}

func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	st, ot, err := req.parse()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Store.Assign(r.Context(), st, req.SubjectID, ot, req.ObjectID, a.actor(r.Context())); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r.Context(), store.AuditAssign, string(ot), req.ObjectID, map[string]any{
		"subject_type": st,
		"subject_id":   req.SubjectID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUnassign(w http.ResponseWriter, r *http.Request) {
	var req AssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	st, ot, err := req.parse()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Store.Unassign(r.Context(), st, req.SubjectID, ot, req.ObjectID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r.Context(), store.AuditUnassign, string(ot), req.ObjectID, map[string]any{
		"subject_type": st,
		"subject_id":   req.SubjectID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCAInfo(w http.ResponseWriter, r *http.Request) {
	active, err := a.CA.Active(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caResponse(active, true))
}

func (a *API) handleCAHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.CA.History(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]CAResponse, 0, len(history))
	for _, c := range history {
		resp = append(resp, caResponse(c, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorities": resp})
}

// handleRotateCA replaces the active CA. Every certificate signed by the
// previous CA stops verifying immediately.
func (a *API) handleRotateCA(w http.ResponseWriter, r *http.Request) {
	rotated, err := a.CA.Rotate(r.Context(), a.actor(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caResponse(rotated, true))
}

func (a *API) handleImportCA(w http.ResponseWriter, r *http.Request) {
	var req ImportCARequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	imported, err := a.CA.Import(r.Context(), a.actor(r.Context()), []byte(req.CertificatePEM), []byte(req.PrivateKeyPEM))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caResponse(imported, true))
}

func (a *API) handleCACertificate(w http.ResponseWriter, r *http.Request) {
	pem, err := a.CA.CertificatePEM(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pem)
}

// handleCRL publishes the revoked serials of certificates that have not
// yet expired, signed by the active CA.
func (a *API) handleCRL(w http.ResponseWriter, r *http.Request) {
	serials, err := a.Store.ListRevokedSerials(r.Context(), a.now())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	crl, err := a.CA.CRL(r.Context(), serials, a.CRLValidity)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(crl)
}

func parseTimeParam(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, apperr.Newf(apperr.KindValidation, "%s must be an RFC3339 timestamp", name)
	}
	return &t, nil
}

func parseLimit(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.KindValidation, "limit must be a non-negative integer")
	}
	return n, nil
}

func optString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseTimeParam("since", q.Get("since"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	until, err := parseTimeParam("until", q.Get("until"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	f := store.AuditFilter{
		Since:      since,
		Until:      until,
		Actor:      optString(q.Get("actor")),
		TargetType: optString(q.Get("target_type")),
		TargetID:   optString(q.Get("target_id")),
		Limit:      limit,
	}
	if action := q.Get("action"); action != "" {
		act := store.AuditAction(action)
		f.Action = &act
	}

	entries, err := a.Store.ListAuditLog(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AuditEntryResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  formatTime(e.Timestamp),
			Detail:     e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

func (a *API) handleRevocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseTimeParam("since", q.Get("since"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	records, err := a.Ledger.History(r.Context(), store.RevocationFilter{
		PrincipalID: q.Get("principal_id"),
		Kind:        store.CredentialKind(q.Get("kind")),
		Since:       since,
		Limit:       limit,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]RevocationResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, RevocationResponse{
			CredentialID: rec.CredentialID,
			Kind:         string(rec.Kind),
			PrincipalID:  rec.PrincipalID,
			Serial:       rec.Serial,
			Reason:       rec.Reason,
			RevokedBy:    rec.RevokedBy,
			RevokedAt:    formatTime(rec.RevokedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"revocations": resp})
}

func (a *API) handleGatewayStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.Resolver.GatewayStatuses(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gateways": statuses})
}
