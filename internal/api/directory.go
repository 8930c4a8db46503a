// ABOUTME: Admin endpoints for principals and groups
// ABOUTME: Deleting a principal revokes its configs and removes its API keys first

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/store"
)

func (a *API) principalResponse(r *http.Request, sp *store.Principal) (*PrincipalResponse, error) {
	manual, err := a.Store.ListManualGroups(r.Context(), sp.ID)
	if err != nil {
		return nil, err
	}
	return principalFromStore(sp, manual), nil
}

func (a *API) handleListPrincipals(w http.ResponseWriter, r *http.Request) {
	principals, err := a.Store.ListPrincipals(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]*PrincipalResponse, 0, len(principals))
	for _, sp := range principals {
		pr, err := a.principalResponse(r, sp)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		resp = append(resp, pr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"principals": resp})
}

func (a *API) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req CreatePrincipalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	p, err := a.Identity.CreateLocal(r.Context(), req.Email, trimmed(req.Name), req.Password, req.IsAdmin)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r.Context(), store.AuditCreatePrincipal, "principal", p.ID, map[string]any{
		"email":    p.Email,
		"is_admin": p.IsAdmin,
	})
	writeJSON(w, http.StatusCreated, principalFromIdentity(p))
}

func (a *API) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	sp, err := a.Store.GetPrincipal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp, err := a.principalResponse(r, sp)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUpdatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req UpdatePrincipalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	sp, err := a.Store.GetPrincipal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	changed := map[string]any{}
	if req.Name != nil {
		sp.Name = trimmed(*req.Name)
		changed["name"] = sp.Name
	}
	if req.IsAdmin != nil {
		sp.IsAdmin = *req.IsAdmin
		changed["is_admin"] = sp.IsAdmin
	}
	if req.IsActive != nil {
		sp.IsActive = *req.IsActive
		changed["is_active"] = sp.IsActive
	}
	if req.Password != nil {
		if sp.Source != store.PrincipalSourceLocal {
			apperr.WriteHTTP(w, apperr.New(apperr.KindValidation, "only local principals have passwords"))
			return
		}
		hash, err := identity.HashPassword(*req.Password)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		sp.PasswordHash = hash
		changed["password"] = true
	}

	if err := a.Store.UpdatePrincipal(r.Context(), sp); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r.Context(), store.AuditUpdatePrincipal, "principal", sp.ID, changed)

	resp, err := a.principalResponse(r, sp)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeletePrincipal revokes every config and deletes every key before
// removing the record. If any config cannot be revoked the principal is
// kept so the call can be retried.
func (a *API) handleDeletePrincipal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	actor := a.actor(ctx)

	if _, err := a.Store.GetPrincipal(ctx, id); err != nil {
		a.writeError(w, r, err)
		return
	}
	report, err := a.Ledger.RevokeAll(ctx, id, "principal deleted", actor)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if report.Failed > 0 {
		apperr.WriteHTTP(w, apperr.Newf(apperr.KindUnavailable, "%d of %d configs could not be revoked, retry the delete", report.Failed, report.Total))
		return
	}
	if _, err := a.Ledger.DeleteAllAPIKeys(ctx, id, actor); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Store.DeletePrincipal(ctx, id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(ctx, store.AuditDeletePrincipal, "principal", id, map[string]any{"configs_revoked": report.Total})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.Store.GetPrincipal(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	report, err := a.Ledger.RevokeAll(r.Context(), id, req.Reason, a.actor(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if report.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

func (a *API) handleDeletePrincipalAPIKeys(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.Store.GetPrincipal(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	n, err := a.Ledger.DeleteAllAPIKeys(r.Context(), id, a.actor(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteCountResponse{Deleted: n})
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.Store.ListGroups(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := make([]GroupResponse, 0, len(groups))
	for _, g := range groups {
		resp = append(resp, groupResponse(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": resp})
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	g, err := a.Store.CreateGroup(r.Context(), trimmed(req.Name))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r.Context(), store.AuditCreateObject, "group", g.Name, nil)
	writeJSON(w, http.StatusCreated, groupResponse(g))
}

func (a *API) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.Store.DeleteGroup(r.Context(), name); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r.Context(), store.AuditDeleteObject, "group", name, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListGroupMembers(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := a.Store.GetGroup(r.Context(), name); err != nil {
		a.writeError(w, r, err)
		return
	}
	members, err := a.Store.ListGroupMembers(r.Context(), name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": name, "principal_ids": members})
}

func (a *API) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	a.changeGroupMember(w, r, true)
}

func (a *API) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	a.changeGroupMember(w, r, false)
}

func (a *API) changeGroupMember(w http.ResponseWriter, r *http.Request, add bool) {
	name := chi.URLParam(r, "name")
	principalID := chi.URLParam(r, "principalID")

	var err error
	if add {
		err = a.Store.AddGroupMember(r.Context(), name, principalID)
	} else {
		err = a.Store.RemoveGroupMember(r.Context(), name, principalID)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r.Context(), store.AuditGroupMember, "group", name, map[string]any{
		"principal_id": principalID,
		"added":        add,
	})
	w.WriteHeader(http.StatusNoContent)
}
