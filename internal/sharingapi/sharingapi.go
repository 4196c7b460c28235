// Package sharingapi is the admin-facing HTTP surface over C5: setting
// an assistant's share list. spec.md's EXTERNAL INTERFACES section
// doesn't enumerate this route explicitly (assistant administration sits
// behind the same out-of-scope SQL admin API as assistant CRUD), but C5
// (internal/sharing) needs a caller-reachable entry point to be anything
// more than dead weight — this is that entry point, kept intentionally
// thin: email→id resolution and request shaping only, every
// authorization and diff/sync decision still lives in sharing.Service.
package sharingapi

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/lamb-project/completion-gateway/internal/sharing"
	"github.com/lamb-project/completion-gateway/pkg/apierr"
)

// UserDirectory resolves a creator user's id from their email — the
// share API works in emails (what a caller knows); sharing.Service works
// in the internal ids the share table is keyed by.
type UserDirectory interface {
	UserIDByEmail(ctx context.Context, email string) (int, bool)
}

// API implements PUT /assistants/{id}/shares over sharing.Service.
type API struct {
	Service *sharing.Service
	Users   UserDirectory
}

// Register mounts the sharing route onto r.
func (a *API) Register(r *router.Router) {
	r.PUT("/assistants/{id}/shares", a.handleUpdateShares)
}

type updateSharesRequest struct {
	UserEmails []string `json:"user_emails"`
}

type shareEntry struct {
	UserID int `json:"user_id"`
}

func (a *API) handleUpdateShares(ctx *fasthttp.RequestCtx) {
	assistantID, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid assistant id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	var req updateSharesRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	callerEmail, _ := ctx.UserValue("caller_email").(string)
	currentUserID, ok := a.Users.UserIDByEmail(ctx, callerEmail)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusUnauthorized, "unknown caller", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return
	}

	desired := make([]int, 0, len(req.UserEmails))
	for _, email := range req.UserEmails {
		id, ok := a.Users.UserIDByEmail(ctx, email)
		if !ok {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "unknown user email: "+email, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		desired = append(desired, id)
	}

	shares, err := a.Service.UpdateShares(ctx, assistantID, desired, currentUserID)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}

	out := make([]shareEntry, 0, len(shares))
	for _, sh := range shares {
		out = append(out, shareEntry{UserID: sh.SharedWithUserID})
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"shares": out})
}

func writeServiceError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, sharing.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case errors.Is(err, sharing.ErrForbidden):
		apierr.Write(ctx, fasthttp.StatusForbidden, err.Error(), apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
	}
}

func pathInt(ctx *fasthttp.RequestCtx, name string) (int, bool) {
	raw, _ := ctx.UserValue(name).(string)
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}
