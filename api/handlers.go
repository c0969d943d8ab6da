package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mqttadmin/mosquitto-auth/passwd"
)

// ListUsers handles GET /users.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	names, err := a.users.Usernames(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UsersResponse{Users: names})
}

// AddUser handles POST /users.
func (a *API) AddUser(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := a.run(r, func(ctx context.Context) error {
		return a.users.Add(ctx, req.Username, req.Password, false)
	})
	a.audited(r, AuditUserAdded, req.Username, err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.reloadBroker(r)
	writeJSON(w, http.StatusCreated, MessageResponse{Message: fmt.Sprintf("user %s added", req.Username)})
}

// AddUsers handles POST /users/bulk. The response is 201 when every user
// was stored, 207 when only some were, and 422 when none were.
func (a *API) AddUsers(w http.ResponseWriter, r *http.Request) {
	var req BulkUsersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Users) == 0 {
		writeError(w, http.StatusBadRequest, "users must not be empty")
		return
	}

	var res passwd.BulkResult
	err := a.run(r, func(ctx context.Context) error {
		var err error
		res, err = a.users.AddMany(ctx, req.Users, req.Overwrite)
		return err
	})
	a.audited(r, AuditUsersBulkAdded, fmt.Sprintf("%d users", len(req.Users)), err,
		slog.Int("succeeded", len(res.Succeeded)),
		slog.Int("failed", len(res.Failed)),
		slog.Bool("overwrite", req.Overwrite),
	)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if res.Succeeded == nil {
		res.Succeeded = []string{}
	}
	if res.Failed == nil {
		res.Failed = []passwd.BulkFailure{}
	}

	status := http.StatusCreated
	switch {
	case len(res.Succeeded) == 0:
		status = http.StatusUnprocessableEntity
	case res.Partial():
		status = http.StatusMultiStatus
	}
	if len(res.Succeeded) > 0 {
		a.reloadBroker(r)
	}
	writeJSON(w, status, res)
}

// GetUser handles GET /users/{username}.
func (a *API) GetUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	ok, err := a.users.Exists(r.Context(), username)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("user %s not found", username))
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{Username: username, Exists: true})
}

// UpdateUserPassword handles PUT /users/{username}.
func (a *API) UpdateUserPassword(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req PasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := a.run(r, func(ctx context.Context) error {
		return a.users.EditPassword(ctx, username, req.Password)
	})
	a.audited(r, AuditUserPasswordChanged, username, err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.reloadBroker(r)
	writeJSON(w, http.StatusOK, MessageResponse{Message: fmt.Sprintf("password for %s updated", username)})
}

// DeleteUser handles DELETE /users/{username}.
func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	err := a.users.Delete(r.Context(), username)
	a.audited(r, AuditUserDeleted, username, err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.reloadBroker(r)
	writeJSON(w, http.StatusOK, MessageResponse{Message: fmt.Sprintf("user %s deleted", username)})
}
